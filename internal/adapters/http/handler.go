// Package http exposes the workspace and planning operations over Fiber.
package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/EXCALOFRIO/FlowCode/internal/core/domain"
	"github.com/EXCALOFRIO/FlowCode/internal/core/planner"
	"github.com/EXCALOFRIO/FlowCode/internal/core/pool"
	"github.com/EXCALOFRIO/FlowCode/internal/core/ports"
	"github.com/EXCALOFRIO/FlowCode/internal/core/repair"
)

// Options configures the handler's workspace policy.
type Options struct {
	DefaultImage string
	WorkspaceDir string
	UploadsDir   string
	ExecTimeout  time.Duration
}

type Handler struct {
	runtime ports.ContainerRuntime
	pool    *pool.Pool
	builder ports.BuilderService
	planner *planner.Planner
	opts    Options
}

func NewHandler(runtime ports.ContainerRuntime, p *pool.Pool, builder ports.BuilderService, pl *planner.Planner, opts Options) *Handler {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 60 * time.Second
	}
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = "/workspace"
	}
	if opts.UploadsDir == "" {
		opts.UploadsDir = opts.WorkspaceDir + "/uploads"
	}
	return &Handler{runtime: runtime, pool: p, builder: builder, planner: pl, opts: opts}
}

// ListContainers returns every managed container, running or not.
func (h *Handler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.runtime.List(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"containers": containers})
}

type createContainerRequest struct {
	Image   string               `json:"image"`
	RepoURL string               `json:"repo_url"` // build a custom image from this repo first
	Env     []string             `json:"env"`
	Ports   []domain.PortBinding `json:"ports"`
}

// CreateContainer acquires a workspace, optionally building a custom image
// from a git repository first.
func (h *Handler) CreateContainer(c *fiber.Ctx) error {
	var req createContainerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	image := req.Image
	if req.RepoURL != "" {
		if image == "" {
			image = "flowcode-built-" + uuid.NewString()[:8]
		}
		if _, err := h.builder.BuildImage(c.Context(), req.RepoURL, image); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "build failed: " + err.Error(),
			})
		}
	}

	record, removals, err := h.pool.Acquire(c.Context(), domain.CreateOptions{
		Image: image,
		Env:   req.Env,
		Ports: req.Ports,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"container": record,
		"removals":  removals,
	})
}

// AvailableContainer reconciles the pool and returns the canonical
// workspace, creating one if none survives.
func (h *Handler) AvailableContainer(c *fiber.Ctx) error {
	record, removals, err := h.pool.Acquire(c.Context(), domain.CreateOptions{})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"container": record,
		"removals":  removals,
	})
}

// CleanupContainers removes every non-canonical container and reports
// per-item outcomes; a partial failure does not abort the sweep.
func (h *Handler) CleanupContainers(c *fiber.Ctx) error {
	removals, err := h.pool.Cleanup(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"removals": removals})
}

// ResetContainer tears down every managed container and provisions a fresh
// workspace.
func (h *Handler) ResetContainer(c *fiber.Ctx) error {
	record, removals, err := h.pool.Reset(c.Context(), domain.CreateOptions{})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"container": record,
		"removals":  removals,
	})
}

// RemoveContainer stops and removes one container.
func (h *Handler) RemoveContainer(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "container id is required",
		})
	}
	if err := h.runtime.Remove(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"removed": id})
}

type execRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
	Script  string   `json:"script"`
	Repair  bool     `json:"repair"`
}

// Exec runs one command inside the container. With repair enabled a failed
// command gets exactly one heuristic repair attempt, whose outcome is
// reported alongside the original failure.
func (h *Handler) Exec(c *fiber.Ctx) error {
	id := c.Params("id")
	var req execRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	var cmd domain.Command
	switch {
	case req.Script != "":
		cmd = domain.Shell(req.Script)
	case req.Program != "":
		cmd = domain.Direct(req.Program, req.Args...)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "either program or script is required",
		})
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.opts.ExecTimeout)
	defer cancel()

	result, err := h.runtime.Exec(ctx, id, cmd)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if !result.Success && !req.Repair {
		if class := repair.Classify(result.Error); class != repair.ClassUnknown {
			result.Suggestion = fmt.Sprintf("failure looks like %s; retry with repair enabled", class)
		}
	}

	resp := fiber.Map{"result": result}
	if !result.Success && req.Repair {
		repairer := repair.Repairer{Runtime: h.runtime, UploadsDir: h.opts.UploadsDir}
		attempt := repairer.Repair(ctx, id, cmd, result.Error)
		resp["repair"] = attempt
	}
	return c.JSON(resp)
}

type uploadFileRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`  // raw text, or base64 when declared
	Encoding string `json:"encoding"` // "base64" marks base64 content; data URIs self-describe
}

// UploadFiles places files under the uploads directory. Accepts either
// multipart form files or a JSON body with inline content.
func (h *Handler) UploadFiles(c *fiber.Ctx) error {
	id := c.Params("id")

	if form, err := c.MultipartForm(); err == nil && form != nil {
		var saved []string
		for _, files := range form.File {
			for _, fh := range files {
				data, err := readMultipartFile(fh)
				if err != nil {
					return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
						"error": "failed to read upload: " + err.Error(),
					})
				}
				dest := path.Join(h.opts.UploadsDir, path.Base(fh.Filename))
				if err := h.runtime.CopyTo(c.Context(), id, dest, data); err != nil {
					return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
						"error": err.Error(),
					})
				}
				saved = append(saved, dest)
			}
		}
		if len(saved) == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "no files in request",
			})
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"files": saved})
	}

	var req uploadFileRequest
	if err := c.BodyParser(&req); err != nil || req.Filename == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "filename and content are required",
		})
	}
	dest := path.Join(h.opts.UploadsDir, path.Base(req.Filename))
	if err := h.runtime.CopyTo(c.Context(), id, dest, decodeContent(req.Content, req.Encoding)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"files": []string{dest}})
}

// ListFiles reports the contents of a workspace directory, defaulting to the
// uploads directory.
func (h *Handler) ListFiles(c *fiber.Ctx) error {
	id := c.Params("id")
	dir := c.Query("path", h.opts.UploadsDir)
	result, err := h.runtime.Exec(c.Context(), id, domain.Direct("ls", "-1", dir))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"files": splitLines(result)})
}

// ReadFile returns the content of one file inside the container.
func (h *Handler) ReadFile(c *fiber.Ctx) error {
	id := c.Params("id")
	filePath := c.Query("path")
	if filePath == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "path query parameter is required",
		})
	}

	result, err := h.runtime.Exec(c.Context(), id, domain.Direct("cat", filePath))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if !result.Success {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": result.Error,
		})
	}
	return c.JSON(fiber.Map{"path": filePath, "content": result.Output})
}

// DeletePath removes a file or directory. Only paths under the workspace
// directory are deletable.
func (h *Handler) DeletePath(c *fiber.Ctx) error {
	id := c.Params("id")
	target := c.Query("path")
	if target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "path query parameter is required",
		})
	}
	if !h.insideWorkspace(target) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "path must be inside " + h.opts.WorkspaceDir,
		})
	}

	result, err := h.runtime.Exec(c.Context(), id, domain.Direct("rm", "-rf", "--", path.Clean(target)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if !result.Success {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": result.Error,
		})
	}
	return c.JSON(fiber.Map{"deleted": path.Clean(target)})
}

// SearchFiles finds files by basename pattern under a workspace directory.
func (h *Handler) SearchFiles(c *fiber.Ctx) error {
	id := c.Params("id")
	pattern := c.Query("name")
	if pattern == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name query parameter is required",
		})
	}
	root := c.Query("path", h.opts.WorkspaceDir)

	result, err := h.runtime.Exec(c.Context(), id, domain.Direct("find", root, "-name", pattern))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"matches": splitLines(result)})
}

// SearchInFiles greps file contents under a workspace directory. No matches
// is an empty result, not an error.
func (h *Handler) SearchInFiles(c *fiber.Ctx) error {
	id := c.Params("id")
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "q query parameter is required",
		})
	}
	root := c.Query("path", h.opts.WorkspaceDir)

	result, err := h.runtime.Exec(c.Context(), id, domain.Direct("grep", "-rn", "--", query, root))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"matches": splitLines(result)})
}

func (h *Handler) insideWorkspace(target string) bool {
	cleaned := path.Clean(target)
	return cleaned != h.opts.WorkspaceDir &&
		strings.HasPrefix(cleaned, h.opts.WorkspaceDir+"/")
}

func splitLines(result domain.ExecResult) []string {
	lines := []string{}
	if !result.Success {
		return lines
	}
	for _, line := range strings.Split(result.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Status always answers with a success-shaped body: an unreachable or
// missing container reports running=false plus the error, never a 5xx.
func (h *Handler) Status(c *fiber.Ctx) error {
	id := c.Params("id")

	record, err := h.runtime.Inspect(c.Context(), id)
	if err != nil {
		return c.JSON(fiber.Map{
			"running": false,
			"error":   err.Error(),
		})
	}

	resp := fiber.Map{
		"running": record.State == domain.StateRunning,
		"id":      record.ID,
		"name":    record.Name,
		"image":   record.Image,
		"status":  record.Status,
	}
	if stats, err := h.runtime.Stats(c.Context(), id); err == nil {
		resp["stats"] = stats
	}
	return c.JSON(resp)
}

// Logs returns recent container output.
func (h *Handler) Logs(c *fiber.Ctx) error {
	id := c.Params("id")
	tail := c.QueryInt("tail", 100)

	logs, err := h.runtime.Logs(c.Context(), id, tail)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"logs": logs})
}

// GeneratePlan runs the planner. Planning failures degrade to a fallback
// plan, so this endpoint only rejects malformed requests.
func (h *Handler) GeneratePlan(c *fiber.Ctx) error {
	var req planner.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if strings.TrimSpace(req.Task) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "task is required",
		})
	}

	plan := h.planner.Plan(c.Context(), req)
	return c.JSON(plan)
}

// Health reports daemon reachability.
func (h *Handler) Health(c *fiber.Ctx) error {
	if err := h.runtime.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// decodeContent decodes base64 only when the caller declared it (data URI or
// an explicit encoding). Raw text is never guessed at, so content that merely
// looks like base64 stays verbatim. Undecodable declared content also falls
// back to verbatim.
func decodeContent(content, encoding string) []byte {
	payload := content
	declared := encoding == "base64"
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ","); idx >= 0 {
			payload = payload[idx+1:]
			declared = true
		}
	}
	if declared {
		if decoded, err := base64.StdEncoding.DecodeString(payload); err == nil {
			return decoded
		}
	}
	return []byte(content)
}
