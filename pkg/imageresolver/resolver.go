// Package imageresolver implements the Image Resolver (C3): resolving an
// image reference to a platform-specific manifest, loading manifest/config
// blobs, and computing rootfs chain IDs.
package imageresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/containerd/log"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tkcreddy/dibba/pkg/dibberr"
)

// Image is the subset of containerd's images.Image this package needs:
// a name and the descriptor of its top-level target (often a manifest
// index for multi-platform images).
type Image struct {
	Name   string
	Target ocispec.Descriptor
}

// ImageStore is the narrow containerd Images service surface C3 calls
// through (github.com/containerd/containerd/v2/core/images.Store.Get).
type ImageStore interface {
	Get(ctx context.Context, ref string) (Image, error)
}

// ContentStore is the narrow containerd Content service surface C3 reads
// blobs through (github.com/containerd/containerd/v2/core/content.Store).
// ReaderAt is expected to return a fully seekable, chunk-readable handle;
// LoadManifestAndConfig streams it in bounded chunks per spec §4.3.
type ContentStore interface {
	ReaderAt(ctx context.Context, desc ocispec.Descriptor) (io.ReaderAt, error)
}

// Resolver implements C3 against an ImageStore/ContentStore pair.
type Resolver struct {
	Images  ImageStore
	Content ContentStore
	// OS/Arch are the host platform used to pick a manifest out of an
	// index; New sets them to "linux" and DetectArch(). Empty values are
	// not defaulted and match no index entry.
	OS, Arch string
}

// New constructs a Resolver bound to the host's detected platform.
func New(images ImageStore, content ContentStore) *Resolver {
	return &Resolver{Images: images, Content: content, OS: "linux", Arch: DetectArch()}
}

// archAliases maps uname-style arch names to OCI platform architecture
// names, per spec §4.3 (x86_64->amd64, aarch64->arm64, etc.).
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
	"armv7l":  "arm",
	"i386":    "386",
	"i686":    "386",
}

// DetectArch returns the host's OCI platform architecture name: Go's own
// runtime.GOARCH, passed through NormalizeArch (which only rewrites the
// uname-style aliases).
func DetectArch() string {
	return NormalizeArch(runtime.GOARCH)
}

// NormalizeArch applies the §4.3 alias table.
func NormalizeArch(raw string) string {
	if alias, ok := archAliases[raw]; ok {
		return alias
	}
	return raw
}

// Candidates returns the tag-defaulting / registry-prefix expansions of ref
// a user might have typed as shorthand, per spec §4.3/§3 normalization
// rules: append ":latest" if no tag/digest is present; prepend
// "docker.io/library/" for single-segment refs.
func Candidates(ref string) []string {
	out := []string{ref}

	withTag := ref
	if !hasTagOrDigest(ref) {
		withTag = ref + ":latest"
		out = append(out, withTag)
	}

	if isSingleSegment(stripTagOrDigest(ref)) {
		expanded := "docker.io/library/" + withTag
		out = append(out, expanded)
	}

	return dedupe(out)
}

func hasTagOrDigest(ref string) bool {
	// a digest reference always contains "@sha256:"; a tag is a ":" after
	// the last "/" (to avoid matching a host:port prefix).
	if strings.Contains(ref, "@") {
		return true
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	return colon > slash
}

func stripTagOrDigest(ref string) string {
	if i := strings.Index(ref, "@"); i != -1 {
		return ref[:i]
	}
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon]
	}
	return ref
}

func isSingleSegment(ref string) bool {
	return !strings.Contains(ref, "/")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ResolveManifest resolves ref via the image store; if the target is a
// multi-platform index, it selects the entry matching the host's
// (os, architecture). If none matches, it permissively falls back to the
// first entry and logs the fallback, per spec §4.3 / §9's open question.
func (r *Resolver) ResolveManifest(ctx context.Context, ref string) (ocispec.Descriptor, error) {
	img, err := r.Images.Get(ctx, ref)
	if err != nil {
		return ocispec.Descriptor{}, dibberr.New(dibberr.KindNotFound, fmt.Errorf("resolving %s: %w", ref, err))
	}

	target := img.Target
	if !isIndexMediaType(target.MediaType) {
		return target, nil
	}

	idx, err := r.loadIndex(ctx, target)
	if err != nil {
		return ocispec.Descriptor{}, dibberr.New(dibberr.KindImageInvalid, err)
	}
	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, dibberr.Newf(dibberr.KindImageInvalid, "manifest index for %s has no entries", ref)
	}

	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.OS == r.OS && m.Platform.Architecture == r.Arch {
			return m, nil
		}
	}

	log.G(ctx).WithField("image", ref).
		WithField("os", r.OS).WithField("arch", r.Arch).
		Warn("no manifest in index matched host platform; falling back to first entry")
	return idx.Manifests[0], nil
}

func isIndexMediaType(mt string) bool {
	return mt == ocispec.MediaTypeImageIndex || mt == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func (r *Resolver) loadIndex(ctx context.Context, desc ocispec.Descriptor) (*ocispec.Index, error) {
	data, err := r.readBlob(ctx, desc)
	if err != nil {
		return nil, err
	}
	var idx ocispec.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decoding manifest index: %w", err)
	}
	return &idx, nil
}

// LoadManifestAndConfig fetches the manifest blob at desc and, from it, the
// referenced image config blob, per spec §4.3: every blob read is streamed
// (chunked), concatenated, then JSON-parsed.
func (r *Resolver) LoadManifestAndConfig(ctx context.Context, desc ocispec.Descriptor) (manifest ocispec.Manifest, config ocispec.Image, err error) {
	manifestData, err := r.readBlob(ctx, desc)
	if err != nil {
		return manifest, config, dibberr.New(dibberr.KindImageInvalid, err)
	}
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return manifest, config, dibberr.New(dibberr.KindImageInvalid, fmt.Errorf("decoding manifest: %w", err))
	}

	configData, err := r.readBlob(ctx, manifest.Config)
	if err != nil {
		return manifest, config, dibberr.New(dibberr.KindImageInvalid, err)
	}
	if err := json.Unmarshal(configData, &config); err != nil {
		return manifest, config, dibberr.New(dibberr.KindImageInvalid, fmt.Errorf("decoding image config: %w", err))
	}
	if len(config.RootFS.DiffIDs) == 0 {
		return manifest, config, dibberr.Newf(dibberr.KindImageInvalid, "image config has no rootfs.diff_ids")
	}
	return manifest, config, nil
}

// ChainIDForImage resolves ref, loads its config, and computes the chain ID
// over rootfs.diff_ids, per spec §4.3.
func (r *Resolver) ChainIDForImage(ctx context.Context, ref string) (string, error) {
	desc, err := r.ResolveManifest(ctx, ref)
	if err != nil {
		return "", err
	}
	_, config, err := r.LoadManifestAndConfig(ctx, desc)
	if err != nil {
		return "", err
	}
	diffIDs := make([]string, len(config.RootFS.DiffIDs))
	for i, d := range config.RootFS.DiffIDs {
		diffIDs[i] = d.String()
	}
	id, err := ChainID(diffIDs)
	if err != nil {
		return "", dibberr.New(dibberr.KindImageInvalid, err)
	}
	return id, nil
}

// readBlob streams desc's content from the content store in bounded
// chunks and concatenates it, per spec §4.3's streaming contract.
const readChunkSize = 32 * 1024

func (r *Resolver) readBlob(ctx context.Context, desc ocispec.Descriptor) ([]byte, error) {
	ra, err := r.Content.ReaderAt(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", desc.Digest, err)
	}
	if closer, ok := ra.(io.Closer); ok {
		defer closer.Close()
	}

	buf := make([]byte, 0, desc.Size)
	chunk := make([]byte, readChunkSize)
	var offset int64
	for offset < desc.Size {
		n, err := ra.ReadAt(chunk, offset)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			offset += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("reading blob %s at offset %d: %w", desc.Digest, offset, err)
		}
	}
	return buf, nil
}
