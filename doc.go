// Package kar packs files and directories into a single compact resource
// archive (KAr) that can be listed, extracted, or read by path without
// unpacking.
//
// An archive holds a path index (a ternary search trie keyed by UTF-16
// paths), an item table of unique contents, and a chunk table describing
// the compressed payload. Files with identical content are stored once.
// Each chunk is stored verbatim or compressed with zstd or LZ4, and is
// only kept compressed when that saves at least 20%.
//
// # Packing
//
// Inputs name what goes into the archive and where:
//
//	inputs := []kar.Input{
//	    kar.SourceDir("./assets"),                  // -> /assets/...
//	    kar.FileMapping("./build/app.lua", "/main.lua"),
//	}
//	err := kar.Pack(ctx, "app.kar", inputs,
//	    kar.PackWithCompression(kar.CompressionZstd),
//	)
//
// Pack writes to a temporary file and renames it into place, so a failed
// pack never leaves a partial archive. [Write] targets any io.Writer.
//
// # Reading
//
// [Unpack] restores a whole archive into a directory and [List] describes
// it without touching chunk data. [UnpackReader] and [ListReader] accept
// a stream, since both read the archive front to back. [OpenArchive] returns an [Archive] that
// implements fs.FS and decompresses only the chunks a file needs:
//
//	a, err := kar.OpenArchive("app.kar")
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	src, err := a.ReadFile("main.lua")
//
// # Solid mode
//
// [PackWithSolid] cuts the concatenated contents into fixed-size chunks
// that may span files. Solid archives compress better when many small
// files share structure, at the cost of decoding whole chunks on random
// access.
//
// # Distribution
//
// Package layout stores archives as OCI artifacts in an image layout
// directory, from which standard OCI tooling can copy them to a registry.
package kar
