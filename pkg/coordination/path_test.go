package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinPath(t *testing.T) {
	tests := []struct {
		name string
		elem []string
		want string
	}{
		{"root and alias", []string{"/jmxtrans/workers", "worker-a"}, "/jmxtrans/workers/worker-a"},
		{"trailing slash on root", []string{"/jmxtrans/workers/", "worker-a"}, "/jmxtrans/workers/worker-a"},
		{"no leading slash", []string{"jmxtrans", "jvms", "t1", "config"}, "/jmxtrans/jvms/t1/config"},
		{"empty elements skipped", []string{"", "/a", "", "b/"}, "/a/b"},
		{"nothing", nil, "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, JoinPath(tt.elem...))
		})
	}
}

func TestJoinPath_SeparatorAlwaysPresent(t *testing.T) {
	// a root without trailing slash must never be glued to the alias
	assert.NotEqual(t, "/jmxtrans/workersworker-a", JoinPath("/jmxtrans/workers", "worker-a"))
	assert.Equal(t, JoinPath("/jmxtrans/workers/", "worker-a"), JoinPath("/jmxtrans/workers", "/worker-a"))
}

func TestIsUnder(t *testing.T) {
	assert.True(t, IsUnder("/t/a/owner/x", "/t/a/owner"))
	assert.True(t, IsUnder("/t/a/owner", "/t/a/owner"))
	assert.False(t, IsUnder("/t/a/ownership", "/t/a/owner"))
	assert.True(t, IsUnder("/anything", "/"))
}

func TestChildName(t *testing.T) {
	assert.Equal(t, "t1", ChildName("/jmxtrans/jvms", "/jmxtrans/jvms/t1/config"))
	assert.Equal(t, "t1", ChildName("/jmxtrans/jvms", "/jmxtrans/jvms/t1"))
	assert.Equal(t, "", ChildName("/jmxtrans/jvms", "/jmxtrans/jvms"))
	assert.Equal(t, "", ChildName("/jmxtrans/jvms", "/jmxtrans/workers/a"))
	assert.Equal(t, "jmxtrans", ChildName("/", "/jmxtrans/jvms"))
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "created", EventNodeCreated.String())
	assert.Equal(t, "data_changed", EventNodeDataChanged.String())
	assert.Equal(t, "deleted", EventNodeDeleted.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
