// Package lycoris extracts and merges LyCORIS weight deltas.
//
// Extraction compares a base and a fine-tuned model layer by layer and
// stores each difference as a factorized State: a truncated SVD (LoCon),
// optionally with a further compressed convolution core, or the plain diff
// when factorizing would not save space. Merge reverses the process: every
// layer the Policy targets is looked up by its flat key, the delta is rebuilt
// from whichever factorization is stored (LoCon, Hada, IA3, Kron, Full,
// Norm) and added into the live weights.
//
// Flat keys follow the convention
//
//	<prefix>_<module_path_with_underscores>.<suffix>
//
// for example "lora_unet_down_blocks_0_attentions_0_proj_in.lora_up.weight".
package lycoris
