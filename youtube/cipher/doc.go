// Package cipher resolves protected media URLs by running the relevant
// fragments of the player script.
//
// Two transforms exist in the wild: the signature scramble ("s"
// parameter), which is a short sequence of reverse/splice/swap
// operations, and the throttling transform ("n" parameter), which is an
// arbitrary obfuscated function. Signatures are handled with a regex
// fast path and an otto interpreter fallback; the n transform is
// executed under goja, whose ES support covers the modern player
// scripts that otto cannot parse.
//
// The player script body is cached in-process for a short TTL since
// every encoding of a video shares the same script.
package cipher
