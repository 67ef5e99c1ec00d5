package api

import (
	"time"

	"github.com/tonimelisma/dracoon-go/internal/cryptox"
)

// NodeType distinguishes rooms, folders and files.
type NodeType string

// Node types.
const (
	NodeTypeRoom   NodeType = "room"
	NodeTypeFolder NodeType = "folder"
	NodeTypeFile   NodeType = "file"
)

// Node is a file, folder or room in the storage hierarchy.
type Node struct {
	ID          int64     `json:"id"`
	ParentID    int64     `json:"parentId"`
	Name        string    `json:"name"`
	Type        NodeType  `json:"type"`
	Size        int64     `json:"size"`
	IsEncrypted bool      `json:"isEncrypted"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ResolutionStrategy decides what happens when the target name exists.
type ResolutionStrategy string

// Resolution strategies.
const (
	ResolveAutorename ResolutionStrategy = "autorename"
	ResolveOverwrite  ResolutionStrategy = "overwrite"
	ResolveFail       ResolutionStrategy = "fail"
)

// Expiration of an uploaded node.
type Expiration struct {
	EnableExpiration bool       `json:"enableExpiration"`
	ExpireAt         *time.Time `json:"expireAt,omitempty"`
}

// CreateUploadRequest opens an upload session under ParentID.
type CreateUploadRequest struct {
	ParentID       int64       `json:"parentId"`
	Name           string      `json:"name"`
	Size           *int64      `json:"size,omitempty"`
	Classification *int        `json:"classification,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Expiration     *Expiration `json:"expiration,omitempty"`
	DirectS3Upload bool        `json:"directS3Upload,omitempty"`
}

// UploadChannel is the server side of an upload session.
type UploadChannel struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl,omitempty"`
	Token     string `json:"token,omitempty"`
}

// CompleteUploadRequest finishes a standard upload.
type CompleteUploadRequest struct {
	FileName           string                    `json:"fileName,omitempty"`
	ResolutionStrategy ResolutionStrategy        `json:"resolutionStrategy,omitempty"`
	FileKey            *cryptox.EncryptedFileKey `json:"fileKey,omitempty"`
}

// S3URLsRequest asks for pre-signed part URLs.
type S3URLsRequest struct {
	Size            int64 `json:"size"`
	FirstPartNumber int   `json:"firstPartNumber"`
	LastPartNumber  int   `json:"lastPartNumber"`
}

// PresignedURL is one pre-signed PUT target.
type PresignedURL struct {
	URL        string `json:"url"`
	PartNumber int    `json:"partNumber"`
}

type presignedURLList struct {
	URLs []PresignedURL `json:"urls"`
}

// S3Part is one uploaded multipart part.
type S3Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// CompleteS3UploadRequest finishes an S3-direct upload.
type CompleteS3UploadRequest struct {
	FileName           string                    `json:"fileName,omitempty"`
	Parts              []S3Part                  `json:"parts"`
	ResolutionStrategy ResolutionStrategy        `json:"resolutionStrategy,omitempty"`
	FileKey            *cryptox.EncryptedFileKey `json:"fileKey,omitempty"`
}

// S3 upload job states reported by GetS3UploadStatus.
const (
	S3StatusTransfer  = "transfer"
	S3StatusFinishing = "finishing"
	S3StatusDone      = "done"
	S3StatusError     = "error"
)

// ErrorDetails is the server's reason for a failed async job.
type ErrorDetails struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	ErrorCode int    `json:"errorCode"`
}

// S3UploadStatus is the async completion state of an S3-direct upload.
type S3UploadStatus struct {
	Status       string        `json:"status"`
	Node         *Node         `json:"node,omitempty"`
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`
}

// GeneralSettings are the server-wide switches the client consumes.
type GeneralSettings struct {
	UseS3Storage  bool `json:"useS3Storage"`
	CryptoEnabled bool `json:"cryptoEnabled"`
}

// UserFileIDPair names a user that lacks a key for a file.
type UserFileIDPair struct {
	UserID int64 `json:"userId"`
	FileID int64 `json:"fileId"`
}

// UserIDPublicKey is a recipient's public key.
type UserIDPublicKey struct {
	ID                 int64                 `json:"id"`
	PublicKeyContainer cryptox.UserPublicKey `json:"publicKeyContainer"`
}

// FileIDFileKey is one file key the caller already holds.
type FileIDFileKey struct {
	ID               int64                    `json:"id"`
	FileKeyContainer cryptox.EncryptedFileKey `json:"fileKeyContainer"`
}

// Range is the pagination window of a list response.
type Range struct {
	Offset int64 `json:"offset"`
	Limit  int64 `json:"limit"`
	Total  int64 `json:"total"`
}

// MissingFileKeys is one page of users lacking file keys.
type MissingFileKeys struct {
	Items []UserFileIDPair  `json:"items"`
	Users []UserIDPublicKey `json:"users"`
	Files []FileIDFileKey   `json:"files"`
	Range Range             `json:"range"`
}

// MissingKeysQuery selects a page of missing keys. NodeID limits the query
// to one room or file.
type MissingKeysQuery struct {
	Offset int64
	Limit  int64
	NodeID *int64
}

// UserFileKey is a wrapped file key for one (user, file) pair.
type UserFileKey struct {
	UserID  int64                    `json:"userId"`
	FileID  int64                    `json:"fileId"`
	FileKey cryptox.EncryptedFileKey `json:"fileKey"`
}

type userFileKeyList struct {
	Items []UserFileKey `json:"items"`
}

type downloadToken struct {
	DownloadURL string `json:"downloadUrl"`
}
