package transport

// Embed accent colors (Discord's standard palette).
const (
	ColorGreen     = 0x2ECC71
	ColorDarkGreen = 0x1F8B4C
	ColorGold      = 0xF1C40F
	ColorOrange    = 0xE67E22
	ColorRed       = 0xE74C3C
	ColorDarkRed   = 0x992D22
	ColorBlurple   = 0x5865F2
	ColorBlitzBlue = 0x6FC6E2
)
