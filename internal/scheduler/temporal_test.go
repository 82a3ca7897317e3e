package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/shaiso/Rollout/internal/domain"
)

type JobWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env  *testsuite.TestWorkflowEnvironment
	exec *recordingExecutor
}

func (s *JobWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.exec = &recordingExecutor{}
	Register(s.env, s.exec)
}

func (s *JobWorkflowTestSuite) TestExecutesJob() {
	jobID := uuid.New()

	s.env.ExecuteWorkflow(JobWorkflowName, jobID.String())

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	s.Equal([]uuid.UUID{jobID}, s.exec.executed())
}

func (s *JobWorkflowTestSuite) TestInvalidJobIDIsNotRetried() {
	s.env.ExecuteWorkflow(JobWorkflowName, "not-a-uuid")

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
	s.Empty(s.exec.executed())
}

func (s *JobWorkflowTestSuite) TestMissingJobIsNotRetried() {
	s.exec.err = domain.ErrNotFound

	s.env.ExecuteWorkflow(JobWorkflowName, uuid.NewString())

	s.Error(s.env.GetWorkflowError())
	s.Len(s.exec.executed(), 1)
}

func TestJobWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(JobWorkflowTestSuite))
}
