package harness

import (
	"testing"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/fixture"
	"github.com/stretchr/testify/suite"
)

type EmptyTableSuite struct {
	Suite
}

func TestEmptyTable(t *testing.T) {
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "empty"}}, fixture.Empty{})
	suite.Run(t, &EmptyTableSuite{Suite{Options: opts}})
}

func (s *EmptyTableSuite) TestSetup() {
	ref := s.TC.Ref()

	tables, err := s.Conn().TableList(s.Ctx(), ref.DB)
	s.Require().NoError(err)
	s.Equal([]string{ref.Table}, tables)

	n, err := s.Conn().Count(s.Ctx(), ref)
	s.Require().NoError(err)
	s.Equal(0, n)
}

// SimpleTableSuite runs the same tests against tables filled with different
// policies.
type SimpleTableSuite struct {
	Suite
	check func(s *SimpleTableSuite, n int)
}

func TestSimpleTableMinRecords(t *testing.T) {
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "min_records"}}, fixture.Simple{Policy: api.MinCount(10)})
	suite.Run(t, &SimpleTableSuite{
		Suite: Suite{Options: opts},
		check: func(s *SimpleTableSuite, n int) {
			s.GreaterOrEqual(n, 10, "too few records")
		},
	})
}

func TestSimpleTableMinFillDuration(t *testing.T) {
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "min_fill"}}, fixture.Simple{Policy: api.MinDuration(200 * time.Millisecond)})
	suite.Run(t, &SimpleTableSuite{
		Suite: Suite{Options: opts},
		check: func(s *SimpleTableSuite, n int) {
			s.Greater(n, 0, "no records in the table")
		},
	})
}

func TestSimpleTableRecords(t *testing.T) {
	opts := testOptions(t, api.TableSpec{TableRef: api.TableRef{Table: "records"}}, fixture.Simple{Policy: api.ExactCount(302)})
	suite.Run(t, &SimpleTableSuite{
		Suite: Suite{Options: opts},
		check: func(s *SimpleTableSuite, n int) {
			s.Equal(302, n)
		},
	})
}

func (s *SimpleTableSuite) count() int {
	n, err := s.Conn().Count(s.Ctx(), s.TC.Ref())
	s.Require().NoError(err)
	return n
}

func (s *SimpleTableSuite) TestSetup() {
	ref := s.TC.Ref()

	tables, err := s.Conn().TableList(s.Ctx(), ref.DB)
	s.Require().NoError(err)
	s.Equal([]string{ref.Table}, tables)

	n := s.count()
	s.Equal(s.TC.Manager().Range().Records, n)
	s.check(s, n)
}

func (s *SimpleTableSuite) TestCheckData() {
	ctx := s.Ctx()
	ref := s.TC.Ref()
	conn := s.Conn()
	m := s.TC.Manager()

	before := s.count()

	// Delete one record, add one in range and one out of range, and change
	// one.
	_, err := conn.Delete(ctx, ref, api.Between(1, 2))
	s.Require().NoError(err)
	_, err = conn.Insert(ctx, ref, []api.Record{{"id": 1.5}, {}}, api.ConflictError)
	s.Require().NoError(err)
	_, err = conn.Update(ctx, ref, 2, api.Record{"extra": "bit"})
	s.Require().NoError(err)

	s.ErrorIs(m.CheckData(ctx, false), api.ErrDataMismatch)

	s.Require().NoError(m.CheckData(ctx, true))
	s.Equal(before, s.count())
	s.NoError(m.CheckData(ctx, false))
}
