package mail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// PickupSender writes each message as an .eml file into a directory. It
// stands in for real delivery in development.
type PickupSender struct {
	dir string
	now func() time.Time
}

// NewPickupSender creates dir if needed and returns a sender writing into it.
func NewPickupSender(dir string) (*PickupSender, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pickup dir: %w", err)
	}
	return &PickupSender{dir: dir, now: time.Now}, nil
}

// Dir returns the pickup directory.
func (s *PickupSender) Dir() string { return s.dir }

// Send writes msg to <dir>/<uuid>.eml.
func (s *PickupSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: <%s@pickup>\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTML)

	path := filepath.Join(s.dir, id.String()+".eml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
