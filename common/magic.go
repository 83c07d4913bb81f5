package common

// On-disk magic values, big-endian 16-bit fields (spec.md §6). Each
// must round-trip exactly across write and read.
const (
	MagicBnode  uint16 = 0x6e62 // "nb"
	MagicDleaf2 uint16 = 0x6264 // "bd"
	MagicIleaf  uint16 = 0x6269 // "bi"
	MagicOleaf  uint16 = 0x6f62 // "ob"
	MagicLog    uint16 = 0x6c62 // "lb"
	MagicSuper  uint16 = 0x7362 // "sb"
)
