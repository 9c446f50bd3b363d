package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxNameAttempts = 5

var ErrInvalidName = errors.New("invalid vault file name")

// Entry describes one file written to the vault.
type Entry struct {
	AssetID      string
	OriginalName string
	StoredName   string
	Size         int64
	MovedAt      time.Time
}

// Ledger records vault writes. Recording failures do not undo the write.
type Ledger interface {
	RecordVaulted(ctx context.Context, entry Entry) error
}

// Vault is a private directory that moved photos are written into. Existing
// files are never overwritten.
type Vault struct {
	basePath string
	ledger   Ledger
}

// New creates the vault directory if needed. ledger may be nil.
func New(basePath string, ledger Ledger) (*Vault, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &Vault{basePath: basePath, ledger: ledger}, nil
}

func (v *Vault) Path() string {
	return v.basePath
}

// Save writes data under filename, or under "<uuid>_<filename>" when that
// name is taken. An empty filename becomes "<uuid>.jpg". It returns the name
// the data was stored under.
func (v *Vault) Save(ctx context.Context, assetID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	original := sanitize(filename)
	if original == "" {
		original = uuid.New().String() + ".jpg"
	}

	name := original
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(filepath.Join(v.basePath, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if errors.Is(err, os.ErrExist) {
			if attempt >= maxNameAttempts {
				return "", fmt.Errorf("no free name for %s", original)
			}
			name = fmt.Sprintf("%s_%s", uuid.New().String(), original)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create file: %w", err)
		}

		if err := writeAndClose(f, data); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("failed to save file: %w", err)
		}
		break
	}

	slog.Debug("vault: file saved", "asset", assetID, "name", name, "size", len(data))

	if v.ledger != nil {
		entry := Entry{
			AssetID:      assetID,
			OriginalName: filename,
			StoredName:   name,
			Size:         int64(len(data)),
			MovedAt:      time.Now(),
		}
		if err := v.ledger.RecordVaulted(ctx, entry); err != nil {
			slog.Warn("vault: ledger write failed", "asset", assetID, "error", err.Error())
		}
	}

	return name, nil
}

// Open returns a stored file by name.
func (v *Vault) Open(name string) (*os.File, error) {
	clean := filepath.Clean(name)
	if clean != filepath.Base(clean) || strings.HasPrefix(clean, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	f, err := os.Open(filepath.Join(v.basePath, clean))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func writeAndClose(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sanitize keeps only the base name so a stored file can never escape the
// vault directory.
func sanitize(filename string) string {
	name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, "\\", "/")))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}
