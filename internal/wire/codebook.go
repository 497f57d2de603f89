package wire

// DefaultCodebook is the ordered opcode list negotiated for binary
// conduits. Index positions are part of the wire contract: append only.
var DefaultCodebook = []string{
	// keep-alive
	"nop",

	// display plumbing
	"sync",
	"png",
	"move",
	"mouse",
	"key",
	"copy",
	"size",

	// room control
	"turn",
	"vote",
	"action",
	"file",

	// base session surface
	"list",
	"rename",
	"connect",
	"disconnect",
	"adduser",
	"remuser",
	"chat",
	"admin",

	// negotiated extensions
	"cap",
	"auth",
	"instance",
	"codebook",
}
