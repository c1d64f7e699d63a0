// Package layout publishes KAr archives into OCI image layouts and fetches
// them back.
//
// An archive is stored as an OCI 1.1 artifact: an empty config, the archive
// file as the only layer, and an image manifest tagged in the layout's
// index. The layout directory can then be copied to or from any registry
// with standard OCI tooling.
package layout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"

	"github.com/meigma/kar"
	"github.com/meigma/kar/internal/atomicfile"
)

// maxManifestSize bounds manifest reads from the layout.
const maxManifestSize = 4 << 20

// Publish stores the archive at archivePath in the OCI layout at layoutDir
// under tag, creating the layout if needed.
//
// The archive header is decoded first so that only valid archives are
// published. Blobs already present in the layout are reused. The returned
// descriptor is the tagged manifest.
func Publish(ctx context.Context, layoutDir, tag, archivePath string, opts ...PublishOption) (ocispec.Descriptor, error) {
	cfg := publishConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := discardIfNil(cfg.logger)
	if tag == "" {
		return ocispec.Descriptor{}, ErrInvalidTag
	}

	listing, err := kar.List(ctx, archivePath)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("read archive: %w", err)
	}

	store, err := oci.NewWithContext(ctx, layoutDir)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("open layout: %w", err)
	}

	// Step 1: Push empty config blob (required by OCI spec)
	configDesc, err := pushBytes(ctx, store, ocispec.MediaTypeEmptyJSON, ocispec.DescriptorEmptyJSON.Data)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push config: %w", err)
	}

	// Step 2: Push the archive as the only layer
	layerDesc, err := pushArchive(ctx, store, archivePath, cfg.progress)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push archive: %w", err)
	}
	log.Debug("archive layer pushed", "digest", layerDesc.Digest.String(), "size", layerDesc.Size)

	// Step 3: Build, push and tag the manifest
	manifest := buildManifest(&configDesc, &layerDesc, listing, cfg.annotations)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDesc, err := pushBytes(ctx, store, ocispec.MediaTypeImageManifest, manifestJSON)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push manifest: %w", err)
	}
	manifestDesc.ArtifactType = ArtifactType
	manifestDesc.Annotations = manifest.Annotations

	for _, t := range append([]string{tag}, cfg.tags...) {
		if err := store.Tag(ctx, manifestDesc, t); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("tag %q: %w", t, mapStoreError(err))
		}
	}

	log.Info("archive published",
		"layout", layoutDir,
		"tag", tag,
		"manifest", manifestDesc.Digest.String(),
		"archive", layerDesc.Digest.String())
	return manifestDesc, nil
}

// pushBytes pushes data unless the layout already holds it.
func pushBytes(ctx context.Context, store *oci.Store, mediaType string, data []byte) (ocispec.Descriptor, error) {
	desc := content.NewDescriptorFromBytes(mediaType, data)
	if err := push(ctx, store, desc, bytes.NewReader(data)); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

func push(ctx context.Context, store *oci.Store, desc ocispec.Descriptor, r io.Reader) error {
	exists, err := store.Exists(ctx, desc)
	if err != nil {
		return mapStoreError(err)
	}
	if exists {
		return nil
	}
	if err := store.Push(ctx, desc, r); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapStoreError(err)
	}
	return nil
}

// pushArchive digests the archive file and pushes it as the layer blob.
func pushArchive(ctx context.Context, store *oci.Store, archivePath string, progress kar.ProgressFunc) (ocispec.Descriptor, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	dgst, err := digest.SHA256.FromReader(f)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("digest archive: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: MediaTypeArchive,
		Digest:    dgst,
		Size:      info.Size(),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: filepath.Base(archivePath),
		},
	}
	r := &progressReader{r: f, total: uint64(info.Size()), stage: kar.StagePublishing, fn: progress} //nolint:gosec // file sizes are non-negative
	if err := push(ctx, store, desc, r); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// buildManifest creates an OCI manifest for an archive layer.
func buildManifest(configDesc, layerDesc *ocispec.Descriptor, listing *kar.Listing, customAnnotations map[string]string) ocispec.Manifest {
	annotations := map[string]string{
		AnnotationFileCount: strconv.FormatUint(uint64(listing.FileCount), 10),
		AnnotationDirCount:  strconv.FormatUint(uint64(listing.DirCount), 10),
		AnnotationSolid:     strconv.FormatBool(listing.Solid),
	}
	for k, v := range customAnnotations {
		annotations[k] = v
	}
	if _, ok := annotations[ocispec.AnnotationCreated]; !ok {
		annotations[ocispec.AnnotationCreated] = time.Now().UTC().Format(time.RFC3339)
	}

	return ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       *configDesc,
		Layers:       []ocispec.Descriptor{*layerDesc},
		Annotations:  annotations,
	}
}

// Fetch resolves tag in the OCI layout at layoutDir and writes the archive
// it names to dest.
//
// The archive layer is streamed through digest verification into a temp
// file that is renamed to dest only when the digest matches. The returned
// descriptor is the archive layer.
func Fetch(ctx context.Context, layoutDir, tag, dest string, opts ...FetchOption) (ocispec.Descriptor, error) {
	cfg := fetchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := discardIfNil(cfg.logger)
	if tag == "" {
		return ocispec.Descriptor{}, ErrInvalidTag
	}

	if _, err := os.Stat(filepath.Join(layoutDir, ocispec.ImageLayoutFile)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %s is not an OCI layout: %w", ErrNotFound, layoutDir, err)
	}
	store, err := oci.NewWithContext(ctx, layoutDir)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("open layout: %w", err)
	}

	manifestDesc, err := store.Resolve(ctx, tag)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("resolve %q: %w", tag, mapStoreError(err))
	}
	manifest, err := fetchManifest(ctx, store, manifestDesc)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	layer, err := archiveLayer(manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	rc, err := store.Fetch(ctx, layer)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("fetch archive: %w", mapStoreError(err))
	}
	defer rc.Close()

	err = atomicfile.Write(dest, func(f *os.File) error {
		vr := content.NewVerifyReader(rc, layer)
		pr := &progressReader{r: vr, total: uint64(layer.Size), stage: kar.StageFetching, fn: cfg.progress} //nolint:gosec // validated descriptor size
		if _, err := io.Copy(f, pr); err != nil {
			return mapStoreError(err)
		}
		return mapStoreError(vr.Verify())
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("fetch archive: %w", err)
	}

	log.Info("archive fetched",
		"layout", layoutDir,
		"tag", tag,
		"archive", layer.Digest.String(),
		"dest", dest)
	return layer, nil
}

func fetchManifest(ctx context.Context, store *oci.Store, desc ocispec.Descriptor) (*ocispec.Manifest, error) {
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return nil, fmt.Errorf("%w: unsupported media type %s", ErrNotArchive, desc.MediaType)
	}
	if desc.Size > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest of %d bytes", ErrNotArchive, desc.Size)
	}
	data, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", mapStoreError(err))
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", ErrNotArchive, err)
	}
	return &manifest, nil
}

// archiveLayer returns the single archive layer of manifest.
func archiveLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	if manifest.ArtifactType != ArtifactType {
		return ocispec.Descriptor{}, fmt.Errorf("%w: artifact type %q", ErrNotArchive, manifest.ArtifactType)
	}
	if len(manifest.Layers) != 1 || manifest.Layers[0].MediaType != MediaTypeArchive {
		return ocispec.Descriptor{}, fmt.Errorf("%w: expected one %s layer", ErrNotArchive, MediaTypeArchive)
	}
	layer := manifest.Layers[0]
	if err := layer.Digest.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer digest: %w", ErrNotArchive, err)
	}
	if layer.Size < 0 {
		return ocispec.Descriptor{}, fmt.Errorf("%w: negative layer size", ErrNotArchive)
	}
	return layer, nil
}
