package execution

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// Id prefixes for the three object kinds that cross package boundaries.
const (
	execIDPrefix = "exec"
	jobIDPrefix  = "job"
	rigIDPrefix  = "rig"
)

// mintID is swappable so tests can force the fallback path.
var mintID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewID mints an execution id.
func NewID() string { return freshID(execIDPrefix) }

// NewJobID mints a queue job id.
func NewJobID() string { return freshID(jobIDPrefix) }

// NewRigID mints a rig id.
func NewRigID() string { return freshID(rigIDPrefix) }

// freshID never fails: when typeid generation does, it degrades to a
// timestamp-suffixed id so a submission is never blocked on id minting.
func freshID(prefix string) string {
	if id, err := mintID(prefix); err == nil && id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
