package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"jmxcluster/pkg/models"
)

type EventStreamSuite struct {
	suite.Suite
	stream *EventStream
}

func (s *EventStreamSuite) SetupSuite() {
	if os.Getenv("SKIP_INTEGRATION_TESTS") == "true" {
		s.T().Skip("Skipping integration tests (SKIP_INTEGRATION_TESTS=true)")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	cfg := DefaultConfig(addr)
	cfg.Stream = "jmxcluster:test:" + uuid.NewString()
	cfg.DialTimeout = time.Second
	cfg.ReadBlock = 200 * time.Millisecond

	stream, err := NewEventStreamWithConfig(cfg)
	if err != nil {
		s.T().Skipf("Skipping redis tests: %v", err)
	}
	s.stream = stream
}

func (s *EventStreamSuite) TearDownSuite() {
	if s.stream != nil {
		_ = s.stream.client.Del(context.Background(), s.stream.Stream()).Err()
		_ = s.stream.Close()
	}
}

func (s *EventStreamSuite) TestPublishAndRead() {
	ctx := context.Background()
	group := "readers-" + uuid.NewString()
	s.Require().NoError(s.stream.EnsureGroup(ctx, group))
	// a second call finds the group in place
	s.Require().NoError(s.stream.EnsureGroup(ctx, group))

	gained := models.NewOwnershipEvent("w1", "t1", true)
	config := models.NewConfigEvent("w1", "t1", []byte("hello"))
	s.Require().NoError(s.stream.Publish(ctx, gained))
	s.Require().NoError(s.stream.Publish(ctx, config))

	id, got, err := s.stream.Read(ctx, group, "c1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(gained.ID, got.ID)
	s.Equal(models.EventOwnershipGained, got.Kind)
	s.Require().NoError(s.stream.Ack(ctx, group, id))

	id, got, err = s.stream.Read(ctx, group, "c1")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(config.ConfigHash, got.ConfigHash)
	s.Require().NoError(s.stream.Ack(ctx, group, id))

	// drained
	id, got, err = s.stream.Read(ctx, group, "c1")
	s.Require().NoError(err)
	s.Nil(got)
	s.Empty(id)
}

func TestEventStreamSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping redis tests in short mode")
	}
	suite.Run(t, new(EventStreamSuite))
}
