// Package server exposes the operator HTTP surface: health, audit logs,
// worker stats, project listing and manual job triggers.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crowdwork/internal/config"
	"crowdwork/internal/domain"
	"crowdwork/internal/jobs"
	"crowdwork/internal/repo"
	"crowdwork/internal/statcache"
)

// Config wires the handler's collaborators.
type Config struct {
	Repo   repo.Repo
	Cache  statcache.Cache
	Jobs   *jobs.Manager
	Server config.ServerConfig
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type boomerangLogsInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type boomerangLogsOutput struct {
	Body struct {
		Logs []domain.BoomerangLog `json:"logs"`
	}
}

type workerStatsInput struct {
	ID string `path:"id"`
}

type workerStatsOutput struct {
	Body domain.WorkerStats
}

type projectsOutput struct {
	Body struct {
		Projects []domain.Project `json:"projects"`
	}
}

type runJobInput struct {
	Name string `path:"name"`
}

type runJobOutput struct {
	Body struct {
		Job    string `json:"job"`
		Status string `json:"status" example:"completed"`
	}
}

// New returns the operator API handler.
func New(cfg Config) http.Handler {
	router := chi.NewRouter()
	router.Use(authMiddleware(cfg.Server.Token))

	hcfg := huma.DefaultConfig("Crowdwork Ops API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-boomerang-logs",
		Method:      http.MethodGet,
		Path:        "/v0/boomerang/logs",
	}, func(ctx context.Context, in *boomerangLogsInput) (*boomerangLogsOutput, error) {
		logs, err := cfg.Repo.ListBoomerangLogs(ctx, in.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("list boomerang logs", err)
		}
		out := &boomerangLogsOutput{}
		out.Body.Logs = logs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker-stats",
		Method:      http.MethodGet,
		Path:        "/v0/workers/{id}/stats",
	}, func(ctx context.Context, in *workerStatsInput) (*workerStatsOutput, error) {
		if _, err := cfg.Repo.GetWorker(ctx, in.ID); err != nil {
			return nil, huma.Error404NotFound("worker not found")
		}
		stats, err := statcache.Stats(ctx, cfg.Cache, in.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("read worker stats", err)
		}
		return &workerStatsOutput{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/v0/projects",
	}, func(ctx context.Context, _ *struct{}) (*projectsOutput, error) {
		projects, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("list projects", err)
		}
		out := &projectsOutput{}
		out.Body.Projects = projects
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-job",
		Method:      http.MethodPost,
		Path:        "/v0/jobs/{name}/run",
	}, func(ctx context.Context, in *runJobInput) (*runJobOutput, error) {
		if err := cfg.Jobs.RunOnce(ctx, in.Name); err != nil {
			if strings.Contains(err.Error(), "unknown job") {
				return nil, huma.Error404NotFound(err.Error())
			}
			return nil, huma.Error500InternalServerError("run job", err)
		}
		out := &runJobOutput{}
		out.Body.Job = in.Name
		out.Body.Status = "completed"
		return out, nil
	})

	return router
}

// authMiddleware enforces the static bearer token when one is configured.
// Health stays open for probes.
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
