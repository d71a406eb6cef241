package handler

import (
	"net/http"
	"strconv"
	"strings"

	"crm-flow/internal/api/dto"
	"crm-flow/internal/auth"
	"crm-flow/internal/domain"
	"crm-flow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func principal(c *gin.Context) (domain.Principal, bool) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "unauthenticated"})
	}
	return p, ok
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, domain.Invalid("id", "must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}

type WorkflowHandler struct {
	service service.WorkflowService
}

func NewWorkflowHandler(svc service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{service: svc}
}

func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req dto.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	inst, err := h.service.StartWorkflow(c.Request.Context(), p, req.Workflow, req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.StartWorkflowResponse{ID: inst.ID, State: inst.State})
}

func (h *WorkflowHandler) TriggerEvent(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req dto.TriggerEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	started, err := h.service.TriggerEvent(c.Request.Context(), p, req.Event, req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := dto.TriggerEventResponse{Started: []dto.StartWorkflowResponse{}}
	for _, inst := range started {
		resp.Started = append(resp.Started, dto.StartWorkflowResponse{ID: inst.ID, State: inst.State})
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *WorkflowHandler) GetInstance(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	inst, err := h.service.GetInstance(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *WorkflowHandler) ListInstances(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var q dto.ListInstancesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	list, err := h.service.ListInstances(c.Request.Context(), p, domain.InstanceFilter{
		DefinitionName: q.Workflow,
		State:          domain.ExecutionState(q.State),
		Status:         q.Status,
		Limit:          q.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(list))
}

func (h *WorkflowHandler) Terminate(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req dto.TerminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := h.service.Terminate(c.Request.Context(), p, id, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type TaskHandler struct {
	service *service.TaskService
}

func NewTaskHandler(svc *service.TaskService) *TaskHandler {
	return &TaskHandler{service: svc}
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	task, err := h.service.Create(c.Request.Context(), p, service.CreateTaskInput{
		WorkflowID:   req.WorkflowID,
		Title:        req.Title,
		Description:  req.Description,
		TaskType:     req.TaskType,
		AssignedTo:   req.AssignedTo,
		AssignedRole: req.AssignedRole,
		DueDate:      req.DueDate,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := h.service.Get(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var q dto.ListTasksQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	f := domain.TaskFilter{
		Status:       domain.TaskStatus(q.Status),
		AssignedTo:   q.AssignedTo,
		AssignedRole: q.AssignedRole,
		Limit:        q.Limit,
	}
	if q.Mine {
		f.AssignedTo = p.UserID
	}
	if q.WorkflowID != "" {
		id, err := uuid.Parse(q.WorkflowID)
		if err != nil {
			respondError(c, domain.Invalid("workflow_id", "must be a uuid"))
			return
		}
		f.WorkflowID = &id
	}

	tasks, err := h.service.List(c.Request.Context(), p, f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(tasks))
}

func (h *TaskHandler) ClaimTask(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	task, err := h.service.Claim(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) CompleteTask(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req dto.CompleteTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	task, err := h.service.Complete(c.Request.Context(), p, id, service.CompleteTaskInput{
		Outcome: req.Outcome,
		Comment: req.Comment,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type DefinitionHandler struct {
	service *service.DefinitionService
}

func NewDefinitionHandler(svc *service.DefinitionService) *DefinitionHandler {
	return &DefinitionHandler{service: svc}
}

func (h *DefinitionHandler) CreateDefinition(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req dto.DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	def, err := h.service.Create(c.Request.Context(), p, req.Definition())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (h *DefinitionHandler) UpdateDefinition(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req dto.DefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	def, err := h.service.Update(c.Request.Context(), p, c.Param("name"), req.Definition())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *DefinitionHandler) DeactivateDefinition(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	def, err := h.service.Deactivate(c.Request.Context(), p, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// GetDefinition returns the latest version, or the one named by ?version=.
func (h *DefinitionHandler) GetDefinition(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	version := 0
	if raw := strings.TrimSpace(c.Query("version")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			respondError(c, domain.Invalid("version", "must be a positive integer"))
			return
		}
		version = v
	}
	def, err := h.service.Get(c.Request.Context(), p, c.Param("name"), version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *DefinitionHandler) ListDefinitions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	defs, err := h.service.List(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(defs))
}

func (h *DefinitionHandler) ListVersions(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	defs, err := h.service.ListVersions(c.Request.Context(), p, c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(defs))
}

type ActivityHandler struct {
	service *service.ActivityService
}

func NewActivityHandler(svc *service.ActivityService) *ActivityHandler {
	return &ActivityHandler{service: svc}
}

func (h *ActivityHandler) History(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var q dto.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	entries, err := h.service.History(c.Request.Context(), p, q.EntityType, q.EntityID, q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(entries))
}

func (h *ActivityHandler) Notifications(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	unread := c.Query("unread") == "true"
	list, err := h.service.Notifications(c.Request.Context(), p, unread)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewList(list))
}

func (h *ActivityHandler) MarkRead(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), p, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
