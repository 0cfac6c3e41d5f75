package store_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opendxa/processing/internal/model"
	"github.com/opendxa/processing/internal/store"
)

// hashTag returns the part of key Redis Cluster hashes on
func hashTag(key string) string {
	start := strings.Index(key, "{")
	if start < 0 {
		return key
	}
	end := strings.Index(key[start+1:], "}")
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestKeys_ShareKindSlot(t *testing.T) {
	for _, kind := range model.Kinds {
		want := string(kind)
		keys := []string{
			store.JobKeyPrefix(kind) + "some-job",
			store.JobKey(kind, "j1"),
			store.QueuedKey(kind),
			store.RunningKey(kind),
			store.ActiveKey(kind),
			store.StatsKey(kind),
			store.StartupLockKey(kind),
			store.CrashKey(kind, "inst-a", 0),
		}
		for _, k := range keys {
			assert.Equal(t, want, hashTag(k), k)
		}
	}
}
