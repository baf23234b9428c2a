package version

// Name is the server identity announced in the Server response header.
const Name = "portico"

// Value is overridable at build time:
//
//	go build -ldflags "-X github.com/porticoproxy/portico/internal/version.Value=v1.2.3"
var Value = "0.4.0"
