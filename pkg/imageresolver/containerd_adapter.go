package imageresolver

import (
	"context"
	"io"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ContainerdImageStore adapts a containerd images.Store to the resolver's
// narrow ImageStore surface.
type ContainerdImageStore struct {
	Store images.Store
}

func (s *ContainerdImageStore) Get(ctx context.Context, ref string) (Image, error) {
	img, err := s.Store.Get(ctx, ref)
	if err != nil {
		return Image{}, err
	}
	return Image{Name: img.Name, Target: img.Target}, nil
}

// ContainerdContentStore adapts a containerd content.Store to the
// resolver's narrow ContentStore surface: content.Store.ReaderAt returns
// a content.ReaderAt (io.ReaderAt plus Size/Close), which this just hands
// back as the plain io.ReaderAt our interface declares.
type ContainerdContentStore struct {
	Store content.Store
}

func (s *ContainerdContentStore) ReaderAt(ctx context.Context, desc ocispec.Descriptor) (io.ReaderAt, error) {
	return s.Store.ReaderAt(ctx, desc)
}
