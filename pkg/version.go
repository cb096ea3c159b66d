package pkg

import "fmt"

var (
	// These variables are here only to show current version. They are set with -ldflags during build
	RcopyVersion         = "devel"
	GitRevision          = "devel"
	RcopyVersionRevision = fmt.Sprintf("%s-%s", RcopyVersion, GitRevision)
)
