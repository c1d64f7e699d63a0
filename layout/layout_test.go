package layout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"

	"github.com/meigma/kar"
	"github.com/meigma/kar/internal/testutil"
)

func packArchive(t *testing.T) string {
	t.Helper()
	src := testutil.WriteTree(t, map[string][]byte{
		"boot/init.lua":  testutil.CompressibleData(9000),
		"textures/a.png": testutil.RandomData(4000, 5),
		"textures/b.png": testutil.RandomData(4000, 5),
	})
	out := filepath.Join(t.TempDir(), "game.kar")
	require.NoError(t, kar.Pack(context.Background(), out, []kar.Input{kar.DirMapping(src, "/")}))
	return out
}

func TestPublishFetchRoundTrip(t *testing.T) {
	t.Parallel()

	archive := packArchive(t)
	layoutDir := filepath.Join(t.TempDir(), "layout")

	var pushed []kar.ProgressEvent
	desc, err := Publish(context.Background(), layoutDir, "v1", archive,
		PublishWithTags("latest"),
		PublishWithAnnotations(map[string]string{"org.example.note": "hi"}),
		PublishWithProgress(func(ev kar.ProgressEvent) { pushed = append(pushed, ev) }),
	)
	require.NoError(t, err)
	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)
	assert.Equal(t, ArtifactType, desc.ArtifactType)
	assert.Equal(t, "3", desc.Annotations[AnnotationFileCount])
	assert.Equal(t, "3", desc.Annotations[AnnotationDirCount])
	assert.Equal(t, "false", desc.Annotations[AnnotationSolid])
	assert.Equal(t, "hi", desc.Annotations["org.example.note"])
	assert.NotEmpty(t, desc.Annotations[ocispec.AnnotationCreated])
	require.NotEmpty(t, pushed)
	assert.Equal(t, kar.StagePublishing, pushed[len(pushed)-1].Stage)
	assert.Equal(t, pushed[len(pushed)-1].BytesTotal, pushed[len(pushed)-1].BytesDone)

	want, err := os.ReadFile(archive)
	require.NoError(t, err)

	for _, tag := range []string{"v1", "latest"} {
		dest := filepath.Join(t.TempDir(), "fetched.kar")
		layer, err := Fetch(context.Background(), layoutDir, tag, dest)
		require.NoError(t, err, tag)
		assert.Equal(t, MediaTypeArchive, layer.MediaType)
		assert.Equal(t, "game.kar", layer.Annotations[ocispec.AnnotationTitle])

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, want, got, tag)
	}
}

func TestPublishTwiceReusesBlobs(t *testing.T) {
	t.Parallel()

	archive := packArchive(t)
	layoutDir := t.TempDir()

	first, err := Publish(context.Background(), layoutDir, "a", archive)
	require.NoError(t, err)
	second, err := Publish(context.Background(), layoutDir, "b", archive,
		PublishWithAnnotations(map[string]string{ocispec.AnnotationCreated: "2024-01-15T10:00:00Z"}))
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, second.Digest)

	store, err := oci.New(layoutDir)
	require.NoError(t, err)
	for _, tag := range []string{"a", "b"} {
		_, err := store.Resolve(context.Background(), tag)
		require.NoError(t, err, tag)
	}
}

func TestPublishRejectsInvalidArchive(t *testing.T) {
	t.Parallel()

	bad := filepath.Join(t.TempDir(), "bad.kar")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not an archive"), 0o644))
	layoutDir := filepath.Join(t.TempDir(), "layout")

	_, err := Publish(context.Background(), layoutDir, "v1", bad)
	require.ErrorIs(t, err, kar.ErrBadMagic)
	_, statErr := os.Stat(layoutDir)
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	_, err = Publish(context.Background(), layoutDir, "", packArchive(t))
	assert.ErrorIs(t, err, ErrInvalidTag)
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	archive := packArchive(t)
	layoutDir := t.TempDir()
	_, err := Publish(context.Background(), layoutDir, "v1", archive)
	require.NoError(t, err)

	// Tag a manifest of a different artifact type.
	store, err := oci.New(layoutDir)
	require.NoError(t, err)
	configDesc, err := pushBytes(context.Background(), store, ocispec.MediaTypeEmptyJSON, []byte("{}"))
	require.NoError(t, err)
	other := ocispec.Manifest{
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: "application/vnd.example.other",
		Config:       configDesc,
		Layers:       []ocispec.Descriptor{configDesc},
	}
	other.SchemaVersion = 2
	data, err := json.Marshal(other)
	require.NoError(t, err)
	otherDesc, err := pushBytes(context.Background(), store, ocispec.MediaTypeImageManifest, data)
	require.NoError(t, err)
	require.NoError(t, store.Tag(context.Background(), otherDesc, "other"))

	tests := []struct {
		name      string
		layoutDir string
		tag       string
		want      error
	}{
		{name: "missing tag", layoutDir: layoutDir, tag: "nope", want: ErrNotFound},
		{name: "empty tag", layoutDir: layoutDir, tag: "", want: ErrInvalidTag},
		{name: "not a layout", layoutDir: t.TempDir(), tag: "v1", want: ErrNotFound},
		{name: "wrong artifact", layoutDir: layoutDir, tag: "other", want: ErrNotArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out.kar")
			_, err := Fetch(context.Background(), tt.layoutDir, tt.tag, dest)
			require.ErrorIs(t, err, tt.want)
			_, statErr := os.Stat(dest)
			assert.ErrorIs(t, statErr, os.ErrNotExist)
		})
	}
}

func TestFetchDetectsTampering(t *testing.T) {
	t.Parallel()

	archive := packArchive(t)
	layoutDir := t.TempDir()
	_, err := Publish(context.Background(), layoutDir, "v1", archive)
	require.NoError(t, err)

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	desc := content.NewDescriptorFromBytes(MediaTypeArchive, data)
	blobPath := filepath.Join(layoutDir, "blobs", desc.Digest.Algorithm().String(), desc.Digest.Encoded())
	require.NoError(t, os.Chmod(blobPath, 0o644))
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(blobPath, data, 0o644))

	dest := filepath.Join(t.TempDir(), "out.kar")
	_, err = Fetch(context.Background(), layoutDir, "v1", dest)
	require.ErrorIs(t, err, ErrDigestMismatch)
	_, statErr := os.Stat(dest)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
