// Package loader reads model weights and rebuilds module trees from them.
//
// It implements:
//   - SafeTensors reading from files, memory or any io.ReaderAt, with header
//     validation and checksum verification
//   - Class mappers that name diffusers UNet and CLIP text encoder layers
//     from their parameter paths
//   - Diffusers pipeline I/O: text_encoder/, text_encoder_2/ and unet/
//     directories, sharded and variant weight files
//
// Example:
//
//	store, _ := blob.NewFilesystem("path/to/sd15")
//	p, err := loader.OpenPipeline(ctx, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	conv := nn.Find(p.UNet.Root, "conv_in").(*nn.Conv2D)
//
// Design principles:
//   - Pure Go: No CGO dependencies
//   - Storage dtypes are preserved: a loaded and saved pipeline is byte
//     identical in its weights
package loader
