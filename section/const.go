package section

// offsets and sizes of the fixed structures
const (
	HeaderSize        = 64 // stream header size in bytes
	HeaderTagSize     = 36 // version tag field of the header
	HeaderEndianPos   = 36
	HeaderVersionPos  = 37
	HeaderActivePos   = 38
	MinifooterSize    = 56 // minifooter size in bytes
	MinifooterTagSize = 28 // version tag field of the minifooter

	minifooterPGPos      = 28
	minifooterVarsPos    = 36
	minifooterAttrsPos   = 44
	minifooterEndianPos  = 52
	minifooterVersionPos = 55

	// PGEntryMinSize is the smallest encoded PGIndexEntry: length prefix,
	// two empty strings and the fixed fields.
	PGEntryMinSize = 2 + 2 + 1 + 4 + 2 + 4 + 8

	activeFlag   = 1
	inactiveFlag = 0
	columnMajorY = 'y'
	columnMajorN = 'n'
)
