package download

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"
)

// DefaultThumbnails are the variant widths generated for each ready download.
var DefaultThumbnails = map[string]uint{
	"small":  96,
	"medium": 300,
}

// makeThumbnails fetches the cover at url and writes one JPEG per variant
// next to base. It returns variant name to file path.
func (m *Manager) makeThumbnails(ctx context.Context, url, token, base string) (map[string]string, error) {
	src := base + ".cover"
	defer os.Remove(src)

	if _, err := m.transfer.Fetch(ctx, Request{URL: url, Token: token, Dest: src}, nil); err != nil {
		return nil, fmt.Errorf("failed to fetch cover: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode cover: %w", err)
	}

	out := make(map[string]string, len(m.thumbnails))
	for name, width := range m.thumbnails {
		path := fmt.Sprintf("%s-%s.jpg", base, name)
		if err := writeThumbnail(path, resize.Resize(width, 0, img, resize.Lanczos3)); err != nil {
			removeFiles(out)
			return nil, err
		}
		out[name] = path
	}
	return out, nil
}

func writeThumbnail(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 85}); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return f.Close()
}

func removeFiles(paths map[string]string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
