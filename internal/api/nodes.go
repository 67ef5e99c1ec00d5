package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// GetNode fetches one node's metadata.
func (c *Client) GetNode(ctx context.Context, nodeID int64) (*Node, error) {
	var node Node
	if err := c.doJSON(ctx, http.MethodGet, "/nodes/"+strconv.FormatInt(nodeID, 10), nil, &node); err != nil {
		return nil, fmt.Errorf("api: getting node %d: %w", nodeID, err)
	}

	return &node, nil
}

// GetGeneralSettings fetches the server-wide settings.
func (c *Client) GetGeneralSettings(ctx context.Context) (*GeneralSettings, error) {
	var gs GeneralSettings
	if err := c.doJSON(ctx, http.MethodGet, "/config/info/general", nil, &gs); err != nil {
		return nil, fmt.Errorf("api: getting general settings: %w", err)
	}

	return &gs, nil
}
