package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pageindex/pageindex-web/pkg/models"
)

// createJobHandler handles POST /api/jobs: a multipart upload plus option
// fields. Blank option fields count as unset.
func (s *Server) createJobHandler(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}

	inputType := models.InputType(c.FormValue("input_type"))
	if !inputType.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "input_type must be 'pdf' or 'md'")
	}

	opts, err := parseJobOptions(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
	}
	defer src.Close()

	job, err := s.jobs.Create(fileHeader.Filename, src, inputType, opts)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, job.Summary())
}

// parseJobOptions reads the option form fields. Unknown fields are ignored.
func parseJobOptions(c echo.Context) (models.JobOptions, error) {
	var opts models.JobOptions

	strField := func(name string, dst **string) error {
		if value := c.FormValue(name); value != "" {
			*dst = &value
		}
		return nil
	}
	yesNoField := func(name string, dst **string) error {
		value := c.FormValue(name)
		if value == "" {
			return nil
		}
		if value != "yes" && value != "no" {
			return fmt.Errorf("%s must be 'yes' or 'no'", name)
		}
		*dst = &value
		return nil
	}
	intField := func(name string, dst **int) error {
		value := c.FormValue(name)
		if value == "" {
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be an integer", name)
		}
		*dst = &n
		return nil
	}

	steps := []func() error{
		func() error { return strField("model", &opts.Model) },
		func() error { return intField("toc_check_pages", &opts.TOCCheckPages) },
		func() error { return intField("max_pages_per_node", &opts.MaxPagesPerNode) },
		func() error { return intField("max_tokens_per_node", &opts.MaxTokensPerNode) },
		func() error { return yesNoField("if_add_node_id", &opts.IfAddNodeID) },
		func() error { return yesNoField("if_add_node_summary", &opts.IfAddNodeSummary) },
		func() error { return yesNoField("if_add_doc_description", &opts.IfAddDocDescription) },
		func() error { return yesNoField("if_add_node_text", &opts.IfAddNodeText) },
		func() error { return yesNoField("if_thinning", &opts.IfThinning) },
		func() error { return intField("thinning_threshold", &opts.ThinningThreshold) },
		func() error { return intField("summary_token_threshold", &opts.SummaryTokenThreshold) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return models.JobOptions{}, err
		}
	}
	return opts, nil
}

// listJobsHandler handles GET /api/jobs.
func (s *Server) listJobsHandler(c echo.Context) error {
	jobs := s.jobs.List()
	summaries := make([]models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	return c.JSON(http.StatusOK, summaries)
}

// getJobHandler handles GET /api/jobs/:id. The detail view is the full
// entity.
func (s *Server) getJobHandler(c echo.Context) error {
	job, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// cancelJobHandler handles POST /api/jobs/:id/cancel.
func (s *Server) cancelJobHandler(c echo.Context) error {
	job, err := s.jobs.Cancel(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// jobResultHandler handles GET /api/jobs/:id/result, serving the indexed
// structure JSON as-is.
func (s *Server) jobResultHandler(c echo.Context) error {
	path, err := s.jobs.ResultPath(c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.File(path)
}

// jobEventsHandler handles GET /api/jobs/:id/events as a server-sent event
// stream. The supervisor publishes a job.update snapshot at subscribe time.
func (s *Server) jobEventsHandler(c echo.Context) error {
	jobID := c.Param("id")
	ch, err := s.jobs.Subscribe(jobID)
	if err != nil {
		return mapServiceError(err)
	}
	defer s.jobs.Unsubscribe(jobID, ch)
	return streamEvents(c, ch)
}
