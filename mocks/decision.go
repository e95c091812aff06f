package mocks

import (
	optimizely "github.com/spothero/optimizely-fullstack-go"
	"github.com/stretchr/testify/mock"
)

// UserProfileService mocks out the persisted-profile capability for use in testing
type UserProfileService struct {
	mock.Mock
}

func (s *UserProfileService) Lookup(userID string) (optimizely.UserProfile, error) {
	call := s.Called(userID)
	return call.Get(0).(optimizely.UserProfile), call.Error(1)
}

func (s *UserProfileService) Save(profile optimizely.UserProfile) error {
	return s.Called(profile).Error(0)
}

// CmabService mocks out the contextual-bandit prediction capability for use in testing
type CmabService struct {
	mock.Mock
}

func (s *CmabService) GetDecision(project *optimizely.Project, userID string, attributes map[string]interface{}, ruleID string, options *optimizely.DecideOptions) (optimizely.CmabDecision, error) {
	call := s.Called(project, userID, attributes, ruleID, options)
	return call.Get(0).(optimizely.CmabDecision), call.Error(1)
}
