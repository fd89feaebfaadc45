// Package serialization writes state dicts in the SafeTensors format and
// validates SafeTensors headers.
//
//	Format Structure:
//	  [8 bytes: Header Size N (uint64 LE)]
//	  [N bytes: JSON header, space padded to 8-byte alignment]
//	  [Tensor data: raw little-endian bytes, sorted by tensor name]
//
// The JSON header maps every tensor name to its dtype, shape and
// [start, end) byte offsets relative to the data section. An optional
// "__metadata__" entry holds string key/value pairs.
//
// Files written here carry an XXH3 checksum of the state in their metadata,
// which the loader verifies on read.
//
// Example usage:
//
//	state := map[string]*tensor.Raw{"lora_unet_conv_in.lora_down.weight": down}
//	if err := serialization.WriteSafeTensors("out.safetensors", state, map[string]string{"format": "pt"}); err != nil {
//	    log.Fatal(err)
//	}
package serialization
