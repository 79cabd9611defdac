package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	addPeerAddr  string
	addPeerPort  uint16
	addLocalAddr string
	addLocalPort uint16
	addIface     string
)

// connectionCmd builds the "connection" command group: list, show, add,
// close.
func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connection",
		Aliases: []string{"conn"},
		Short:   "Manage TCP connections",
	}

	cmd.AddCommand(connectionListCmd())
	cmd.AddCommand(connectionShowCmd())
	cmd.AddCommand(connectionAddCmd())
	cmd.AddCommand(connectionCloseCmd())

	return cmd
}

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all connections",
		RunE: func(_ *cobra.Command, _ []string) error {
			var conns []connectionView
			if err := doRequest(http.MethodGet, "/v1/connections", nil, &conns); err != nil {
				return err
			}
			return formatConnections(conns)
		},
	}
}

func connectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single connection by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "/v1/connections/" + url.PathEscape(args[0])
			var conn connectionView
			if err := doRequest(http.MethodGet, path, nil, &conn); err != nil {
				return err
			}
			return formatConnection(conn)
		},
	}
}

func connectionAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Open a new connection to a peer",
		RunE: func(_ *cobra.Command, _ []string) error {
			req := createConnectionRequest{
				PeerAddr:  addPeerAddr,
				PeerPort:  addPeerPort,
				LocalAddr: addLocalAddr,
				LocalPort: addLocalPort,
				Interface: addIface,
			}

			var conn connectionView
			if err := doRequest(http.MethodPost, "/v1/connections", req, &conn); err != nil {
				return err
			}
			return formatConnection(conn)
		},
	}

	cmd.Flags().StringVar(&addPeerAddr, "peer", "", "peer IP address (required)")
	cmd.Flags().Uint16Var(&addPeerPort, "peer-port", 0, "peer TCP port (required)")
	cmd.Flags().StringVar(&addLocalAddr, "local", "", "local IP address")
	cmd.Flags().Uint16Var(&addLocalPort, "local-port", 0, "local TCP port")
	cmd.Flags().StringVar(&addIface, "interface", "", "bind interface")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("peer-port")

	return cmd
}

func connectionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a connection by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "/v1/connections/" + url.PathEscape(args[0]) + "/close"
			if err := doRequest(http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("connection %s closed\n", args[0])
			return nil
		},
	}
}

// createConnectionRequest mirrors the admin server's JSON request body for
// POST /v1/connections.
type createConnectionRequest struct {
	PeerAddr  string `json:"peer_addr"`
	PeerPort  uint16 `json:"peer_port"`
	LocalAddr string `json:"local_addr,omitempty"`
	LocalPort uint16 `json:"local_port,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// errorResponse mirrors the admin server's JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// doRequest issues an HTTP request against the admin API and decodes a JSON
// response into out (if non-nil and the response carries a body).
func doRequest(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, adminURL(path), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&errResp); decErr == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, errResp.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
