package mocks

import (
	"context"

	"github.com/spothero/optimizely-fullstack-go/api"
	"github.com/stretchr/testify/mock"
)

// Client mocks out the OptimizelyAPI interface for use in testing
type Client struct {
	mock.Mock
}

func (c *Client) GetDatafile(ctx context.Context, environmentName string, projectID int) ([]byte, error) {
	call := c.Called(ctx, environmentName, projectID)
	return call.Get(0).([]byte), call.Error(1)
}

func (c *Client) GetEnvironmentByProjectID(ctx context.Context, key string, projectID int) (api.Environment, error) {
	call := c.Called(ctx, key, projectID)
	return call.Get(0).(api.Environment), call.Error(1)
}

func (c *Client) GetEnvironmentByProjectName(ctx context.Context, name, projectName string) (api.Environment, error) {
	call := c.Called(ctx, name, projectName)
	return call.Get(0).(api.Environment), call.Error(1)
}

func (c *Client) GetEnvironmentsByProjectID(ctx context.Context, projectID int) ([]api.Environment, error) {
	call := c.Called(ctx, projectID)
	return call.Get(0).([]api.Environment), call.Error(1)
}

func (c *Client) GetEnvironmentsByProjectName(ctx context.Context, projectName string) ([]api.Environment, error) {
	call := c.Called(ctx, projectName)
	return call.Get(0).([]api.Environment), call.Error(1)
}

func (c *Client) GetProjects(ctx context.Context) ([]api.Project, error) {
	call := c.Called(ctx)
	return call.Get(0).([]api.Project), call.Error(1)
}
