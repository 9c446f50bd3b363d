package photos

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/densfw/internal/scan"
)

var ErrInvalidPath = errors.New("invalid asset path")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Library is a photo source backed by a directory tree. Assets are ordered
// newest first by capture time.
type Library struct {
	root string

	mu     sync.RWMutex
	assets []scan.AssetRef
}

func NewLibrary(root string) (*Library, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open photo library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("photo library %s is not a directory", root)
	}
	return &Library{root: root}, nil
}

// Count rescans the directory and returns the number of images found.
func (l *Library) Count(ctx context.Context) (int, error) {
	var assets []scan.AssetRef

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != l.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(p))] {
			return nil
		}

		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		created := info.ModTime()
		if taken, ok := captureTime(p); ok {
			created = taken
		}

		assets = append(assets, scan.AssetRef{
			ID:        filepath.ToSlash(rel),
			Filename:  d.Name(),
			CreatedAt: created,
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list photo library: %w", err)
	}

	sort.SliceStable(assets, func(i, j int) bool {
		if !assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].CreatedAt.After(assets[j].CreatedAt)
		}
		return assets[i].ID < assets[j].ID
	})

	l.mu.Lock()
	l.assets = assets
	l.mu.Unlock()

	slog.Debug("photos: library indexed", "root", l.root, "count", len(assets))
	return len(assets), nil
}

func (l *Library) AssetAt(ctx context.Context, i int) (scan.AssetRef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 || i >= len(l.assets) {
		return scan.AssetRef{}, fmt.Errorf("asset index %d out of range [0,%d)", i, len(l.assets))
	}
	return l.assets[i], nil
}

// FetchPixels decodes the asset and shrinks it to fit within a
// targetSize x targetSize box. Smaller images are returned as decoded.
func (l *Library) FetchPixels(ctx context.Context, ref scan.AssetRef, targetSize int) (image.Image, error) {
	img, err := l.decode(ctx, ref)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	if targetSize <= 0 || (b.Dx() <= targetSize && b.Dy() <= targetSize) {
		return img, nil
	}

	scale := float64(targetSize) / float64(max(b.Dx(), b.Dy()))
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// FetchThumbnail returns a size x size preview cropped from the center of the
// asset.
func (l *Library) FetchThumbnail(ctx context.Context, ref scan.AssetRef, size int) (image.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", size)
	}
	img, err := l.decode(ctx, ref)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	side := min(b.Dx(), b.Dy())
	if side <= 0 {
		return nil, fmt.Errorf("asset %s has no pixels", ref.ID)
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	crop := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, crop, draw.Src, nil)
	return dst, nil
}

func (l *Library) FetchRawBytes(ctx context.Context, ref scan.AssetRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(ref.ID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	return data, nil
}

// DeleteAssets removes every asset file. All refs are attempted. A file that
// is already missing counts as deleted. Failures come back as a
// *scan.DeleteError listing the refs that are gone.
func (l *Library) DeleteAssets(ctx context.Context, refs []scan.AssetRef) error {
	var (
		deleted []scan.AssetRef
		errs    []error
	)
	for _, ref := range refs {
		p, err := l.resolve(ref.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", ref.ID, err))
				continue
			}
			slog.Debug("photos: asset already gone", "asset", ref.ID)
		} else {
			slog.Debug("photos: asset deleted", "asset", ref.ID)
		}
		deleted = append(deleted, ref)
	}

	if len(errs) > 0 {
		return &scan.DeleteError{Deleted: deleted, Err: errors.Join(errs...)}
	}
	return nil
}

func (l *Library) decode(ctx context.Context, ref scan.AssetRef) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(ref.ID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ref.ID, err)
	}
	return img, nil
}

// resolve maps an asset ID to a path inside the library root.
func (l *Library) resolve(id string) (string, error) {
	clean := path.Clean(id)
	if id == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, id)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

var _ scan.PhotoSource = (*Library)(nil)
