package comms

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/sweepline-ai/sweepline/pkg/model"
)

// Client is the job-side sender. Sends are fire-and-forget: an error means the
// datagram could not even be handed to the kernel; delivery is never
// confirmed, and callers are free to ignore errors entirely.
type Client struct {
	conn  *net.UDPConn
	jobID model.JobID
}

// Dial connects a sender for the given job to the orchestrator's report address.
func Dial(addr string, jobID model.JobID) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error resolving report address %q", addr)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing report address %q", addr)
	}
	return &Client{conn: conn, jobID: jobID}, nil
}

// Register announces the job process is up.
func (c *Client) Register() error {
	return c.send(Message{JobID: c.jobID, Kind: KindRegister})
}

// Progress reports a fraction-finished estimate.
func (c *Client) Progress(fraction float64) error {
	return c.send(Message{JobID: c.jobID, Kind: KindProgress, Progress: &fraction})
}

// Intermediate reports a partial metrics snapshot.
func (c *Client) Intermediate(metrics map[string]interface{}) error {
	now := time.Now()
	return c.send(Message{
		JobID:     c.jobID,
		Kind:      KindIntermediate,
		Metrics:   metrics,
		Timestamp: &now,
	})
}

// Final reports the job's final metrics.
func (c *Client) Final(metrics map[string]interface{}) error {
	return c.send(Message{JobID: c.jobID, Kind: KindFinalResult, Metrics: metrics})
}

// RequestResume asks the orchestrator to checkpoint-and-resubmit this job.
func (c *Client) RequestResume() error {
	return c.send(Message{JobID: c.jobID, Kind: KindResumeRequested})
}

// Close releases the socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(m Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return errors.Wrap(err, "error sending report datagram")
	}
	return nil
}
