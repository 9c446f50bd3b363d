package scan

import (
	"context"
	"image"
	"time"

	"github.com/Brownie44l1/densfw/internal/model"
)

// AssetRef identifies one image in the photo source. ID is stable for the
// lifetime of a scan session.
type AssetRef struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

// PhotoSource is the device photo library.
type PhotoSource interface {
	// Count takes a fresh snapshot of the library and returns its size.
	Count(ctx context.Context) (int, error)

	// AssetAt returns the i-th asset of the last snapshot.
	AssetAt(ctx context.Context, i int) (AssetRef, error)

	// FetchPixels decodes the asset scaled to fit within targetSize pixels.
	FetchPixels(ctx context.Context, ref AssetRef, targetSize int) (image.Image, error)

	// FetchThumbnail returns a square preview filled to size pixels.
	FetchThumbnail(ctx context.Context, ref AssetRef, size int) (image.Image, error)

	FetchRawBytes(ctx context.Context, ref AssetRef) ([]byte, error)

	// DeleteAssets removes refs. An asset that is already gone counts as
	// deleted. On partial failure it returns a *DeleteError.
	DeleteAssets(ctx context.Context, refs []AssetRef) error
}

// Classifier decides whether one image is explicit. A returned error means
// the result is the safe default.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (model.Result, error)
}

// SecureLocation stores the raw bytes of moved assets and returns the name
// the data was written under.
type SecureLocation interface {
	Save(ctx context.Context, assetID, filename string, data []byte) (string, error)
}
