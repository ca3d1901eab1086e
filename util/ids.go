package util

import (
	"github.com/rs/xid"
)

// GenJobName generates a job name.
// Names are globally unique and sortable.
func GenJobName() string {
	return "job-" + xid.New().String()
}
