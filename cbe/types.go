// Package cbe implements the Consistent Block Encrypter request engine:
// VBD translation, a hash-verified cached tree walk, free-tree
// allocation under snapshot retention, bottom-up write-back and periodic
// superblock sealing. See SPEC_FULL.md for the full specification and
// DESIGN.md for what each file is grounded on.
package cbe

import "github.com/componolit/cbe/cbe/types"

// Fixed parameters (spec.md §3).
const (
	BlockSize             = types.BlockSize
	HashSize              = types.HashSize
	NumSuperblockSlots    = types.NumSuperblockSlots
	NumSnapshots          = types.NumSnapshots
	TranslationMaxLevels  = types.TranslationMaxLevels
)

// Core data-model aliases (spec.md §3), defined in cbe/types to avoid an
// import cycle with cbe/store; re-exported here so callers only ever
// write "cbe.Hash", "cbe.PBA", etc.
type (
	PBA        = types.PBA
	VBA        = types.VBA
	Generation = types.Generation
	Hash       = types.Hash
	Block      = types.Block
	Tag        = types.Tag
	Op         = types.Op
	Primitive  = types.Primitive
	Request    = types.Request
	Type1Entry = types.Type1Entry
	Type2Entry = types.Type2Entry
	Snapshot   = types.Snapshot
)

const (
	InvalidPBA = types.InvalidPBA
	InvalidVBA = types.InvalidVBA

	TagInvalid       = types.TagInvalid
	TagTranslation   = types.TagTranslation
	TagCacheIO       = types.TagCacheIO
	TagWriteBack     = types.TagWriteBack
	TagCryptoEncrypt = types.TagCryptoEncrypt
	TagCryptoDecrypt = types.TagCryptoDecrypt
	TagIO            = types.TagIO
	TagSyncSB        = types.TagSyncSB
	TagPool          = types.TagPool

	OpRead  = types.OpRead
	OpWrite = types.OpWrite
	OpSync  = types.OpSync
)
