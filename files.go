package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

// put flags.
var (
	flagPutName       string
	flagPutResolution string
	flagPutNotes      string
	flagPutExpireAt   string
	flagPutClass      int
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path> <parent-id>",
		Short: "Upload a file into a room or folder",
		Long: `Upload a local file into the room or folder with the given node id.

Files uploaded into encrypted rooms are encrypted locally; the server only
ever receives ciphertext.`,
		Args: cobra.ExactArgs(2),
		RunE: runPut,
	}

	cmd.Flags().StringVar(&flagPutName, "name", "", "remote file name (default: local base name)")
	cmd.Flags().StringVar(&flagPutResolution, "resolution", string(api.ResolveAutorename),
		"what to do when the name exists: autorename, overwrite or fail")
	cmd.Flags().StringVar(&flagPutNotes, "notes", "", "notes stored with the file")
	cmd.Flags().StringVar(&flagPutExpireAt, "expire-at", "", "expiration time (RFC 3339)")
	cmd.Flags().IntVar(&flagPutClass, "classification", 0, "classification 1-4 (0 = room default)")

	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <node-id> [local-path]",
		Short: "Download a file",
		Long: `Download the file with the given node id. Encrypted files are decrypted
and verified locally; a file that fails verification is never written.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func parseNodeID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}

	return id, nil
}

// uploadRequestFromFlags builds everything of the request except the size,
// which UploadFile takes from the file.
func uploadRequestFromFlags(parentID int64) (transfer.UploadRequest, error) {
	req := transfer.UploadRequest{
		ParentID: parentID,
		Name:     flagPutName,
		Notes:    flagPutNotes,
	}

	switch strategy := api.ResolutionStrategy(flagPutResolution); strategy {
	case api.ResolveAutorename, api.ResolveOverwrite, api.ResolveFail:
		req.ResolutionStrategy = strategy
	default:
		return req, fmt.Errorf("invalid --resolution %q: must be autorename, overwrite or fail", flagPutResolution)
	}

	if flagPutClass != 0 {
		if flagPutClass < 1 || flagPutClass > 4 {
			return req, fmt.Errorf("invalid --classification %d: must be 1-4", flagPutClass)
		}

		class := flagPutClass
		req.Classification = &class
	}

	if flagPutExpireAt != "" {
		at, err := time.Parse(time.RFC3339, flagPutExpireAt)
		if err != nil {
			return req, fmt.Errorf("invalid --expire-at: %w", err)
		}

		req.Expiration = &api.Expiration{EnableExpiration: true, ExpireAt: &at}
	}

	return req, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]

	parentID, err := parseNodeID(args[1])
	if err != nil {
		return err
	}

	req, err := uploadRequestFromFlags(parentID)
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	session, err := NewSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	name := req.Name
	if name == "" {
		name = filepath.Base(localPath)
	}

	logger.Debug("put", slog.String("local_path", localPath), slog.Int64("parent_id", parentID))

	res, err := session.Client.UploadFile(ctx, localPath, req,
		session.callbacks(name, progressCallback("Uploading "+name))...)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", localPath, err)
	}

	if flagJSON {
		return printNodeJSON(res.Node)
	}

	statusf(flagQuiet, "Uploaded %s as %q (node %d, %s)\n",
		localPath, res.Node.Name, res.Node.ID, formatSize(res.Transferred))

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	session, err := NewSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	node, err := session.Client.API.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("looking up node %d: %w", nodeID, err)
	}

	if node.Type != api.NodeTypeFile {
		return fmt.Errorf("node %d is a %s, not a file", nodeID, node.Type)
	}

	localPath, err := downloadTarget(args, node.Name)
	if err != nil {
		return err
	}

	logger.Debug("get", slog.Int64("node_id", nodeID), slog.String("local_path", localPath))

	res, err := session.Client.DownloadFile(ctx, nodeID, localPath,
		session.callbacks(node.Name, progressCallback("Downloading "+node.Name))...)
	if err != nil {
		return fmt.Errorf("downloading node %d: %w", nodeID, err)
	}

	if flagJSON {
		return printNodeJSON(node)
	}

	statusf(flagQuiet, "Downloaded %s (%s)\n", localPath, formatSize(res.Transferred))

	return nil
}

// downloadTarget picks the local path: the node name in the working
// directory, or inside the given directory, or the given file path.
func downloadTarget(args []string, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("refusing unsafe remote name %q", name)
	}

	if len(args) < 2 {
		return name, nil
	}

	target := args[1]

	info, err := os.Stat(target)
	switch {
	case err == nil && info.IsDir():
		return filepath.Join(target, name), nil
	case err == nil, errors.Is(err, os.ErrNotExist):
		return target, nil
	default:
		return "", fmt.Errorf("checking %s: %w", target, err)
	}
}

// nodeJSON is the JSON output schema for put and get.
type nodeJSON struct {
	ID          int64  `json:"id"`
	ParentID    int64  `json:"parent_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsEncrypted bool   `json:"is_encrypted"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func printNodeJSON(n *api.Node) error {
	out := nodeJSON{
		ID:          n.ID,
		ParentID:    n.ParentID,
		Name:        n.Name,
		Size:        n.Size,
		IsEncrypted: n.IsEncrypted,
	}

	if !n.CreatedAt.IsZero() {
		out.CreatedAt = n.CreatedAt.UTC().Format(time.RFC3339)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
