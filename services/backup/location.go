package backup

import (
	"fmt"
	"strings"
	"time"

	"etcdsafe/pkg/envelope"
)

// timestampLayout matches the artifact naming convention.
const timestampLayout = "2006-01-02_15-04-05"

// Location is a published artifact's object key plus its sidecar.
type Location struct {
	// Key is the full object key of the (possibly encrypted) artifact.
	Key string
	// SidecarKey carries the plaintext SHA-256 digest next to the object.
	SidecarKey string
	// Name is the plaintext artifact file name recorded in the sidecar.
	Name string
}

// ObjectLocation builds the write-once key for a new artifact:
//
//	{prefix}/{cluster}/{YYYY}/{MM}/{cluster}-{timestamp}[-offline]-snapshot.db{.ext}
func ObjectLocation(prefix, cluster string, t time.Time, offline bool, method envelope.Method) Location {
	tag := ""
	if offline {
		tag = "-offline"
	}
	name := fmt.Sprintf("%s-%s%s-snapshot.db", cluster, t.Format(timestampLayout), tag)
	key := joinKey(prefix, cluster, t.Format("2006"), t.Format("01"), name+method.Ext())
	return Location{
		Key:        key,
		SidecarKey: key + ".sha256",
		Name:       name,
	}
}

// LatestLocation is the mutable per-cluster latest pointer. It is
// written last and read by distributed-mode dedup; overwrites are
// last-writer-wins with no transactional guarantee.
func LatestLocation(prefix, cluster string, method envelope.Method) Location {
	name := "latest-snapshot.db"
	return Location{
		Key:        joinKey(prefix, cluster, name+method.Ext()),
		SidecarKey: joinKey(prefix, cluster, name+".sha256"),
		Name:       name,
	}
}

func joinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
