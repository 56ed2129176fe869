package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDs are ULIDs so they sort by creation time in the DB and in dashboards.

func NewCampaignID() string { return "cmp_" + newULID() }

func NewTaskID() string { return "tsk_" + newULID() }

func NewTemplateID() string { return "wmt_" + newULID() }

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
