package lycoris

import (
	"strings"

	"github.com/born-ml/lycoris/internal/nn"
)

// FlatKey builds the flat layer key for a module: the prefix, the target
// module path and the path of the child inside it, joined with '.' and then
// flattened with '_'.
//
//	FlatKey("lora_unet", "mid_block.attentions.0", "proj_in")
//	    == "lora_unet_mid_block_attentions_0_proj_in"
func FlatKey(prefix, name, child string) string {
	return strings.ReplaceAll(nn.JoinPath(prefix, nn.JoinPath(name, child)), ".", "_")
}

// LayerOf returns the layer part of a state key (everything before the
// first '.').
func LayerOf(key string) string {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}
