package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/middlewares"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/mmdatafocus/qms_backend/workflow"
	"github.com/sirupsen/logrus"
)

type suggester interface {
	SuggestRemedialActions(ctx context.Context, statement, evidence string) ([]string, error)
	SuggestCorrectiveActions(ctx context.Context, rootCauses []string) ([]string, error)
}

type attachmentStore interface {
	CreateAttachment(ctx context.Context, a *models.Attachment) error
}

// carAPI holds everything the HTTP handlers need. Zero-value loader funcs
// fall back to the request's dataloaders.
type carAPI struct {
	svc         *workflow.Service
	attachments attachmentStore
	objects     objectStore
	suggest     suggester
	logger      *logrus.Logger

	loadAttachments func(ctx context.Context, carId string) ([]*models.Attachment, error)
	loadRegistry    func(ctx context.Context, carId string) ([]*models.RegistryEntry, error)
}

func newCarAPI(svc *workflow.Service, attachments attachmentStore, objects objectStore, suggest suggester, logger *logrus.Logger) *carAPI {
	return &carAPI{
		svc:             svc,
		attachments:     attachments,
		objects:         objects,
		suggest:         suggest,
		logger:          logger,
		loadAttachments: middlewares.GetCarAttachments,
		loadRegistry:    middlewares.GetCarRegistryEntries,
	}
}

func (api *carAPI) registerRoutes(r gin.IRouter) {
	cars := r.Group("/cars", middlewares.RequireSession())
	cars.GET("", api.listCars)
	cars.POST("", api.createCar)
	cars.GET("/:id", api.getCar)
	cars.PUT("/:id", api.updateDetails)
	cars.DELETE("/:id", api.deleteCar)
	cars.PUT("/:id/response", api.updateResponseDraft)
	cars.POST("/:id/transitions/:verb", api.transition)
	cars.POST("/:id/reissue", api.reissue)
	cars.GET("/:id/trail", api.fetchTrail)
	cars.GET("/:id/record", api.carRecord)
	cars.GET("/:id/attachments", api.listAttachments)
	cars.POST("/:id/suggestions/remedial", api.suggestRemedial)
	cars.POST("/:id/suggestions/corrective", api.suggestCorrective)

	authed := r.Group("", middlewares.RequireSession())
	authed.GET("/audit-trail", api.globalTrail)
	authed.GET("/registry", api.listRegistry)
	authed.GET("/backup/cars.xlsx", api.downloadBackup)
	authed.POST("/uploads/sign", api.signUpload)
	authed.POST("/uploads/complete", api.completeUpload)
}

// actorFromContext builds the workflow actor from the session identity.
func actorFromContext(ctx context.Context) workflow.Actor {
	username, _ := utils.GetUsernameFromContext(ctx)
	name, _ := utils.GetUserNameFromContext(ctx)
	if strings.TrimSpace(name) == "" {
		name = username
	}
	role, _ := utils.GetUserRoleFromContext(ctx)
	department, _ := utils.GetDepartmentFromContext(ctx)
	isSuperUser, _ := utils.GetIsSuperUserFromContext(ctx)
	editMode, _ := utils.GetEditModeFromContext(ctx)
	return workflow.Actor{
		Name:        name,
		Role:        models.UserRole(role),
		Department:  models.Department(department),
		IsSuperUser: isSuperUser,
		EditMode:    editMode,
	}
}

// writeError maps the workflow error taxonomy onto HTTP statuses.
func (api *carAPI) writeError(c *gin.Context, funcName string, err error) {
	var validationErr *workflow.ValidationError
	var preconditionErr *workflow.PreconditionError
	var notFoundErr *workflow.NotFoundError
	var collaboratorErr *workflow.CollaboratorError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": validationErr.Fields})
	case errors.As(err, &preconditionErr):
		status := http.StatusConflict
		if preconditionErr.Forbidden {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": preconditionErr.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundErr.Error()})
	case errors.Is(err, workflow.ErrStaleVersion):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict, reload"})
	case errors.As(err, &collaboratorErr):
		config.LogError(api.logger, "carHandlers.go", funcName, collaboratorErr.Op, c.Param("id"), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		config.LogError(api.logger, "carHandlers.go", funcName, "unexpected error", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// bindJSON tolerates an empty body; verbs without a payload send none.
func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

type carListItem struct {
	models.Car
	Registry []*models.RegistryEntry `json:"registry,omitempty"`
}

func parseCarFilter(c *gin.Context) (models.CarFilter, map[string]string) {
	fields := map[string]string{}
	filter := models.CarFilter{
		Department: models.Department(strings.TrimSpace(c.Query("department"))),
		Source:     models.Source(strings.TrimSpace(c.Query("source"))),
		Search:     c.Query("q"),
	}
	for _, s := range utils.SplitAndTrim(c.Query("status")) {
		status := models.CarStatus(strings.ToUpper(s))
		if !status.IsValid() {
			fields["status"] = "unknown status " + s
			continue
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if filter.Department != "" && !filter.Department.IsValid() {
		fields["department"] = "unknown department"
	}
	if filter.Source != "" && !filter.Source.IsValid() {
		fields["source"] = "unknown source"
	}
	if v := strings.TrimSpace(c.Query("late")); v != "" {
		late, err := strconv.ParseBool(v)
		if err != nil {
			fields["late"] = "must be true or false"
		}
		filter.LateOnly = late
	}
	return filter, fields
}

func (api *carAPI) listCars(c *gin.Context) {
	filter, fields := parseCarFilter(c)
	sortBy, err := models.ParseCarSort(c.Query("sort"), c.Query("dir"))
	if err != nil {
		fields["sort"] = err.Error()
	}
	if len(fields) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": fields})
		return
	}

	ctx := c.Request.Context()
	cars, err := api.svc.ListCars(ctx, filter, sortBy)
	if err != nil {
		api.writeError(c, "listCars", err)
		return
	}
	items := make([]carListItem, 0, len(cars))
	withRegistry := c.Query("include") == "registry"
	for _, car := range cars {
		item := carListItem{Car: car}
		if withRegistry {
			entries, err := api.loadRegistry(ctx, car.ID)
			if err != nil {
				api.writeError(c, "listCars", &workflow.CollaboratorError{Op: "load registry", Err: err})
				return
			}
			item.Registry = entries
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (api *carAPI) createCar(c *gin.Context) {
	var in workflow.NewCarInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	car, err := api.svc.CreateCar(c.Request.Context(), in, actorFromContext(c.Request.Context()))
	if err != nil {
		api.writeError(c, "createCar", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": car})
}

func (api *carAPI) getCar(c *gin.Context) {
	car, err := api.svc.GetCar(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeError(c, "getCar", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": car})
}

func (api *carAPI) updateDetails(c *gin.Context) {
	var in workflow.CarDetailsInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	car, err := api.svc.UpdateDetails(c.Request.Context(), c.Param("id"), in, actorFromContext(c.Request.Context()))
	if err != nil {
		api.writeError(c, "updateDetails", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": car})
}

func (api *carAPI) updateResponseDraft(c *gin.Context) {
	var in workflow.ResponseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	car, err := api.svc.UpdateResponseDraft(c.Request.Context(), c.Param("id"), in, actorFromContext(c.Request.Context()))
	if err != nil {
		api.writeError(c, "updateResponseDraft", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": car})
}

func (api *carAPI) transition(c *gin.Context) {
	verb := workflow.Verb(c.Param("verb"))
	if !verb.IsValid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transition " + string(verb)})
		return
	}
	var cmd workflow.Command
	if !bindJSON(c, &cmd) {
		return
	}
	cmd.Verb = verb

	res, err := api.svc.Transition(c.Request.Context(), c.Param("id"), cmd, actorFromContext(c.Request.Context()))
	if err != nil {
		api.writeError(c, "transition", err)
		return
	}
	body := gin.H{"data": res.Car}
	if res.Reissued != nil {
		body["reissued"] = res.Reissued
	}
	c.JSON(http.StatusOK, body)
}

func (api *carAPI) reissue(c *gin.Context) {
	car, err := api.svc.Reissue(c.Request.Context(), c.Param("id"), actorFromContext(c.Request.Context()))
	if err != nil {
		api.writeError(c, "reissue", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": car})
}

func (api *carAPI) deleteCar(c *gin.Context) {
	if err := api.svc.DeleteCar(c.Request.Context(), c.Param("id"), actorFromContext(c.Request.Context())); err != nil {
		api.writeError(c, "deleteCar", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *carAPI) fetchTrail(c *gin.Context) {
	entries, err := api.svc.FetchTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeError(c, "fetchTrail", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (api *carAPI) globalTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := api.svc.FetchGlobalTrail(c.Request.Context(), limit)
	if err != nil {
		api.writeError(c, "globalTrail", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (api *carAPI) listRegistry(c *gin.Context) {
	var filter models.RegistryFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": map[string]string{"status": "must be Open or Closed"}})
		return
	}
	entries, err := api.svc.ListRegistry(c.Request.Context(), filter)
	if err != nil {
		api.writeError(c, "listRegistry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// carRecord serves the printable record; only closed CARs have one.
func (api *carAPI) carRecord(c *gin.Context) {
	car, err := api.svc.GetCar(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeError(c, "carRecord", err)
		return
	}
	if car.Status != models.CarStatusClosed {
		api.writeError(c, "carRecord", &workflow.PreconditionError{Transition: "record", Reason: "car is not closed"})
		return
	}
	record := workflow.RenderCarRecord(*car)
	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{"data": record})
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+car.ID+`.txt"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(record.Text()))
}

func (api *carAPI) listAttachments(c *gin.Context) {
	ctx := c.Request.Context()
	car, err := api.svc.GetCar(ctx, c.Param("id"))
	if err != nil {
		api.writeError(c, "listAttachments", err)
		return
	}
	attachments, err := api.loadAttachments(ctx, car.ID)
	if err != nil {
		api.writeError(c, "listAttachments", &workflow.CollaboratorError{Op: "load attachments", Err: err})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attachments})
}

// downloadBackup streams the spreadsheet backup; QA only.
func (api *carAPI) downloadBackup(c *gin.Context) {
	ctx := c.Request.Context()
	if actorFromContext(ctx).Role != models.UserRoleQA {
		c.JSON(http.StatusForbidden, gin.H{"error": "backup is restricted to QA"})
		return
	}
	data, err := buildBackup(ctx, api.svc)
	if err != nil {
		api.writeError(c, "downloadBackup", err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="cars.xlsx"`)
	c.Data(http.StatusOK, workflow.BackupContentType, data)
}

func buildBackup(ctx context.Context, svc *workflow.Service) ([]byte, error) {
	cars, err := svc.ListCars(ctx, models.CarFilter{}, models.CarSort{})
	if err != nil {
		return nil, err
	}
	registry, err := svc.ListRegistry(ctx, models.RegistryFilter{})
	if err != nil {
		return nil, err
	}
	return workflow.BuildCarBackup(cars, registry)
}

func (api *carAPI) suggestRemedial(c *gin.Context) {
	ctx := c.Request.Context()
	car, err := api.svc.GetCar(ctx, c.Param("id"))
	if err != nil {
		api.writeError(c, "suggestRemedial", err)
		return
	}
	api.writeSuggestions(c, "suggestRemedial", func(s suggester) ([]string, error) {
		return s.SuggestRemedialActions(ctx, car.Statement, car.Evidence)
	})
}

func (api *carAPI) suggestCorrective(c *gin.Context) {
	ctx := c.Request.Context()
	car, err := api.svc.GetCar(ctx, c.Param("id"))
	if err != nil {
		api.writeError(c, "suggestCorrective", err)
		return
	}
	causes := make([]string, 0, len(car.RootCauses))
	for _, rc := range car.RootCauses {
		causes = append(causes, rc.Cause)
	}
	api.writeSuggestions(c, "suggestCorrective", func(s suggester) ([]string, error) {
		return s.SuggestCorrectiveActions(ctx, causes)
	})
}

// writeSuggestions never fails the request; an unavailable service yields an
// empty list with available=false.
func (api *carAPI) writeSuggestions(c *gin.Context, funcName string, call func(suggester) ([]string, error)) {
	if api.suggest == nil {
		c.JSON(http.StatusOK, gin.H{"data": []string{}, "available": false})
		return
	}
	suggestions, err := call(api.suggest)
	if err != nil {
		config.LogError(api.logger, "carHandlers.go", funcName, "suggestion service", c.Param("id"), err)
		c.JSON(http.StatusOK, gin.H{"data": []string{}, "available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": suggestions, "available": true})
}
