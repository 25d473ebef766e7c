package imageresolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	byRef map[string]Image
}

func (f *fakeImages) Get(_ context.Context, ref string) (Image, error) {
	img, ok := f.byRef[ref]
	if !ok {
		return Image{}, errors.New("not found")
	}
	return img, nil
}

type fakeContent struct {
	blobs map[digest.Digest][]byte
}

type readerAt struct{ b []byte }

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	return bytes.NewReader(r.b).ReadAt(p, off)
}

func (f *fakeContent) ReaderAt(_ context.Context, desc ocispec.Descriptor) (io.ReaderAt, error) {
	b, ok := f.blobs[desc.Digest]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return &readerAt{b: b}, nil
}

func marshalBlob(t *testing.T, v any) (ocispec.Descriptor, []byte) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	d := digest.FromBytes(data)
	return ocispec.Descriptor{Digest: d, Size: int64(len(data))}, data
}

func TestResolveManifestConcreteManifest(t *testing.T) {
	ctx := context.Background()
	desc := ocispec.Descriptor{Digest: digest.FromString("manifest"), MediaType: ocispec.MediaTypeImageManifest, Size: 10}
	images := &fakeImages{byRef: map[string]Image{"docker.io/library/busybox:latest": {Name: "busybox", Target: desc}}}
	content := &fakeContent{blobs: map[digest.Digest][]byte{}}

	r := New(images, content)
	got, err := r.ResolveManifest(ctx, "docker.io/library/busybox:latest")
	require.NoError(t, err)
	require.Equal(t, desc, got)
}

func TestResolveManifestIndexMatchesPlatform(t *testing.T) {
	ctx := context.Background()

	amd64Desc := ocispec.Descriptor{Digest: digest.FromString("amd64"), MediaType: ocispec.MediaTypeImageManifest}
	arm64Desc := ocispec.Descriptor{Digest: digest.FromString("arm64"), MediaType: ocispec.MediaTypeImageManifest}
	amd64Desc.Platform = &ocispec.Platform{OS: "linux", Architecture: "amd64"}
	arm64Desc.Platform = &ocispec.Platform{OS: "linux", Architecture: "arm64"}

	idx := ocispec.Index{Manifests: []ocispec.Descriptor{arm64Desc, amd64Desc}}
	idxDesc, idxData := marshalBlob(t, idx)
	idxDesc.MediaType = ocispec.MediaTypeImageIndex

	images := &fakeImages{byRef: map[string]Image{"myimg:latest": {Name: "myimg", Target: idxDesc}}}
	content := &fakeContent{blobs: map[digest.Digest][]byte{idxDesc.Digest: idxData}}

	r := New(images, content)
	r.OS, r.Arch = "linux", "amd64"

	got, err := r.ResolveManifest(ctx, "myimg:latest")
	require.NoError(t, err)
	require.Equal(t, amd64Desc.Digest, got.Digest)
}

func TestResolveManifestIndexFallsBackWhenNoMatch(t *testing.T) {
	ctx := context.Background()
	onlyDesc := ocispec.Descriptor{Digest: digest.FromString("only")}
	onlyDesc.Platform = &ocispec.Platform{OS: "windows", Architecture: "amd64"}

	idx := ocispec.Index{Manifests: []ocispec.Descriptor{onlyDesc}}
	idxDesc, idxData := marshalBlob(t, idx)
	idxDesc.MediaType = ocispec.MediaTypeImageIndex

	images := &fakeImages{byRef: map[string]Image{"myimg:latest": {Name: "myimg", Target: idxDesc}}}
	content := &fakeContent{blobs: map[digest.Digest][]byte{idxDesc.Digest: idxData}}

	r := New(images, content)
	r.OS, r.Arch = "linux", "amd64"

	got, err := r.ResolveManifest(ctx, "myimg:latest")
	require.NoError(t, err)
	require.Equal(t, onlyDesc.Digest, got.Digest) // permissive fallback to first entry
}

func TestLoadManifestAndConfigRejectsMissingDiffIDs(t *testing.T) {
	ctx := context.Background()

	config := ocispec.Image{} // no RootFS.DiffIDs
	configDesc, configData := marshalBlob(t, config)

	manifest := ocispec.Manifest{Config: configDesc}
	manifestDesc, manifestData := marshalBlob(t, manifest)

	content := &fakeContent{blobs: map[digest.Digest][]byte{
		manifestDesc.Digest: manifestData,
		configDesc.Digest:   configData,
	}}
	r := New(&fakeImages{byRef: map[string]Image{}}, content)

	_, _, err := r.LoadManifestAndConfig(ctx, manifestDesc)
	require.Error(t, err)
}

func TestChainIDForImage(t *testing.T) {
	ctx := context.Background()

	config := ocispec.Image{RootFS: ocispec.RootFS{DiffIDs: []digest.Digest{digest.Digest(digestAA), digest.Digest(digestBB)}}}
	configDesc, configData := marshalBlob(t, config)

	manifest := ocispec.Manifest{Config: configDesc}
	manifestDesc, manifestData := marshalBlob(t, manifest)

	images := &fakeImages{byRef: map[string]Image{"img:latest": {Name: "img", Target: manifestDesc}}}
	content := &fakeContent{blobs: map[digest.Digest][]byte{
		manifestDesc.Digest: manifestData,
		configDesc.Digest:   configData,
	}}

	r := New(images, content)
	id, err := r.ChainIDForImage(ctx, "img:latest")
	require.NoError(t, err)

	want, err := ChainID([]string{digestAA, digestBB})
	require.NoError(t, err)
	require.Equal(t, want, id)
}

func TestCandidatesTagAndPrefixExpansion(t *testing.T) {
	cands := Candidates("busybox")
	require.Contains(t, cands, "busybox")
	require.Contains(t, cands, "busybox:latest")
	require.Contains(t, cands, "docker.io/library/busybox:latest")
}

func TestCandidatesDigestRefUnchanged(t *testing.T) {
	ref := "myregistry.io/app@sha256:" + string(make([]byte, 64))
	cands := Candidates(ref)
	require.Equal(t, []string{ref}, cands)
}

func TestNormalizeArch(t *testing.T) {
	require.Equal(t, "amd64", NormalizeArch("x86_64"))
	require.Equal(t, "arm64", NormalizeArch("aarch64"))
	require.Equal(t, "ppc64le", NormalizeArch("ppc64le"))
}
