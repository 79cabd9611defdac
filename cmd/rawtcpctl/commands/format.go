package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
)

// connectionView is the JSON wire shape returned by the admin API for a
// single connection (mirrors internal/admin's connectionResponse).
type connectionView struct {
	ID         string `json:"id"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  uint16 `json:"local_port"`
	PeerAddr   string `json:"peer_addr"`
	PeerPort   uint16 `json:"peer_port"`
	State      string `json:"state"`
	NextSeqNo  uint64 `json:"next_seq_no"`
	NextAck    uint64 `json:"next_ack"`
	BytesAcked uint64 `json:"bytes_acked"`
}

// formatConnections renders a list of connections in the selected
// outputFormat.
func formatConnections(conns []connectionView) error {
	switch outputFormat {
	case "json":
		return formatConnectionsJSON(conns)
	default:
		return formatConnectionsTable(conns)
	}
}

// formatConnection renders a single connection in the selected
// outputFormat.
func formatConnection(conn connectionView) error {
	switch outputFormat {
	case "json":
		return formatConnectionJSON(conn)
	default:
		return formatConnectionDetail(conn)
	}
}

func formatConnectionsTable(conns []connectionView) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tLOCAL\tPEER\tSTATE\tNEXT-SEQ\tNEXT-ACK\tBYTES-ACKED")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s:%d\t%s:%d\t%s\t%d\t%d\t%d\n",
			c.ID, c.LocalAddr, c.LocalPort, c.PeerAddr, c.PeerPort,
			c.State, c.NextSeqNo, c.NextAck, c.BytesAcked)
	}
	return nil
}

func formatConnectionDetail(c connectionView) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "ID:\t%s\n", c.ID)
	fmt.Fprintf(w, "Local:\t%s:%d\n", c.LocalAddr, c.LocalPort)
	fmt.Fprintf(w, "Peer:\t%s:%d\n", c.PeerAddr, c.PeerPort)
	fmt.Fprintf(w, "State:\t%s\n", c.State)
	fmt.Fprintf(w, "NextSeqNo:\t%d\n", c.NextSeqNo)
	fmt.Fprintf(w, "NextAck:\t%d\n", c.NextAck)
	fmt.Fprintf(w, "BytesAcked:\t%d\n", c.BytesAcked)
	return nil
}

func formatConnectionsJSON(conns []connectionView) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(conns)
}

func formatConnectionJSON(c connectionView) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
