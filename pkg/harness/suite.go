package harness

import (
	"context"
	"log"

	"github.com/adammck/fixture/pkg/backend"
	"github.com/stretchr/testify/suite"
)

// Suite is a testify suite whose tests run against the cluster and table of a
// TestContext. Embed it, and set Options before running:
//
//	type KeysSuite struct {
//		harness.Suite
//	}
//
//	func TestKeys(t *testing.T) {
//		suite.Run(t, &KeysSuite{harness.Suite{Options: opts}})
//	}
//
// Suites which define their own SetupTest or TearDownTest must call these.
type Suite struct {
	suite.Suite
	Options Options
	TC      *TestContext
}

func (s *Suite) Ctx() context.Context {
	return context.Background()
}

func (s *Suite) SetupSuite() {
	tc, err := New(s.Options)
	s.Require().NoError(err)
	s.TC = tc
}

func (s *Suite) TearDownSuite() {
	if s.TC == nil {
		return
	}

	if err := s.TC.Close(s.Ctx()); err != nil {
		log.Printf("WARN: error stopping cluster: %v", err)
	}
}

func (s *Suite) SetupTest() {
	s.Require().NoError(s.TC.Setup(s.Ctx()))
}

// TearDownTest releases the cluster, archiving it if the test failed.
func (s *Suite) TearDownTest() {
	t := s.T()

	err := s.TC.Release(s.Ctx(), Outcome{
		TestID: t.Name(),
		Failed: t.Failed(),
	})

	s.NoError(err, "server failed during test")
}

// Conn returns a working connection to the cluster, or fails the test.
func (s *Suite) Conn() backend.Conn {
	conn, err := s.TC.Acquire(s.Ctx())
	s.Require().NoError(err)
	return conn
}
