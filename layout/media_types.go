package layout

// Media types for archives stored in OCI image layouts.
const (
	// ArtifactType identifies KAr archives as an OCI 1.1 artifact type.
	ArtifactType = "application/vnd.meigma.kar.v1"

	// MediaTypeArchive is the media type of the single archive layer.
	MediaTypeArchive = "application/vnd.meigma.kar.archive.v1"
)

// Manifest annotation keys.
const (
	// AnnotationFileCount records the number of file paths in the archive.
	AnnotationFileCount = "dev.meigma.kar.files"

	// AnnotationDirCount records the number of directory paths in the archive.
	AnnotationDirCount = "dev.meigma.kar.dirs"

	// AnnotationSolid is "true" for solid archives.
	AnnotationSolid = "dev.meigma.kar.solid"
)
