package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kajialsoad/cnz-sub006/internal/analytics"
	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/models"
	"github.com/kajialsoad/cnz-sub006/internal/store"
	"github.com/kajialsoad/cnz-sub006/internal/trigger"
)

// defaultReportDays is the analytics window when no range is given.
const defaultReportDays = 7

type handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/events", h.handleEvent)
	api.DELETE("/conversations/:chatType/:conversationID", h.closeConversation)
	api.GET("/scripts/:chatType", h.listScripts)
	api.GET("/rules/:chatType", h.getRule)
	api.PUT("/rules/:chatType", h.putRule)
	api.GET("/analytics", h.report)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *handlers) fail(c *gin.Context, status int, err error) {
	if status >= 500 {
		h.logger.Error("request failed", "path", c.FullPath(), "request_id", c.GetString(requestIDKey), "error", err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), RequestID: c.GetString(requestIDKey)})
}

// StatusFor maps engine and store errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEngineBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handlers) failErr(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusConflict {
		c.Header("Retry-After", "1")
	}
	h.fail(c, status, err)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func chatTypeParam(c *gin.Context) (models.ChatType, error) {
	return models.ParseChatType(c.Param("chatType"))
}

// EventRequest is the transport's JSON for one inbound message.
type EventRequest struct {
	ID             string     `json:"id"`
	ChatType       string     `json:"chat_type"`
	ConversationID string     `json:"conversation_id"`
	Sender         string     `json:"sender"`
	Timestamp      *time.Time `json:"timestamp"`
	Locale         string     `json:"locale"`
}

// ToEvent validates the request shape and converts it.
func (r EventRequest) ToEvent() (engine.Event, error) {
	ct, err := models.ParseChatType(r.ChatType)
	if err != nil {
		return engine.Event{}, fmt.Errorf("%w: %v", engine.ErrInvalidEvent, err)
	}
	sender, err := engine.ParseSender(r.Sender)
	if err != nil {
		return engine.Event{}, fmt.Errorf("%w: %v", engine.ErrInvalidEvent, err)
	}
	ev := engine.Event{
		ID:             r.ID,
		ChatType:       ct,
		ConversationID: r.ConversationID,
		Sender:         sender,
		Locale:         models.Locale(r.Locale),
	}
	if r.Timestamp != nil {
		ev.Timestamp = *r.Timestamp
	}
	return ev, nil
}

// EventResponse is the engine decision returned to the transport.
type EventResponse struct {
	EventID        string `json:"event_id"`
	Action         string `json:"action"`
	Reason         string `json:"reason"`
	Reactivated    bool   `json:"reactivated,omitempty"`
	Step           int    `json:"step,omitempty"`
	MessageKey     string `json:"message_key,omitempty"`
	Text           string `json:"text,omitempty"`
	Phase          string `json:"phase"`
	CurrentStep    int    `json:"current_step"`
	MessageCount   int    `json:"user_message_count"`
	Attempts       int    `json:"attempts"`
	AnalyticsError string `json:"analytics_error,omitempty"`
}

// NewEventResponse renders an engine result.
func NewEventResponse(res engine.Result) EventResponse {
	out := EventResponse{
		EventID:      res.EventID,
		Action:       res.Action.String(),
		Reason:       res.Reason,
		Reactivated:  res.Reactivated,
		Step:         res.Step,
		MessageKey:   res.MessageKey,
		Text:         res.Text,
		Phase:        trigger.SnapshotOf(res.State).Phase().String(),
		CurrentStep:  res.State.CurrentStep,
		MessageCount: res.State.UserMessageCount,
		Attempts:     res.Attempts,
	}
	if res.AnalyticsErr != nil {
		out.AnalyticsError = res.AnalyticsErr.Error()
	}
	return out
}

func (h *handlers) handleEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	ev, err := req.ToEvent()
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	if ev.ID == "" {
		ev.ID = c.GetString(requestIDKey)
	}
	res, err := h.engine.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, NewEventResponse(res))
}

func (h *handlers) closeConversation(c *gin.Context) {
	ct, err := chatTypeParam(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	key := store.ConversationKey{ChatType: ct, ConversationID: c.Param("conversationID")}
	if err := h.engine.CloseConversation(c.Request.Context(), key); err != nil {
		h.failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type scriptResponse struct {
	MessageKey   string `json:"message_key"`
	Step         int    `json:"step"`
	Content      string `json:"content"`
	ContentBn    string `json:"content_bn,omitempty"`
	DisplayOrder int    `json:"display_order"`
}

func (h *handlers) listScripts(c *gin.Context) {
	ct, err := chatTypeParam(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	msgs, err := h.engine.Catalog().ListActive(c.Request.Context(), ct)
	if err != nil {
		h.failErr(c, err)
		return
	}
	out := make([]scriptResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, scriptResponse{
			MessageKey:   m.MessageKey,
			Step:         m.StepNumber,
			Content:      m.Content,
			ContentBn:    m.ContentBn,
			DisplayOrder: m.DisplayOrder,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chat_type": ct, "messages": out})
}

type ruleResponse struct {
	ChatType               models.ChatType `json:"chat_type"`
	Enabled                bool            `json:"enabled"`
	ReactivationThreshold  int             `json:"reactivation_threshold"`
	ResetStepsOnReactivate bool            `json:"reset_steps_on_reactivate"`
}

func (h *handlers) getRule(c *gin.Context) {
	ct, err := chatTypeParam(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	rule, err := h.engine.Rules().Get(c.Request.Context(), ct)
	if err != nil {
		h.failErr(c, err)
		return
	}
	if rule == nil {
		h.fail(c, http.StatusNotFound, fmt.Errorf("no trigger rule for %s", ct))
		return
	}
	c.JSON(http.StatusOK, ruleResponse{
		ChatType:               ct,
		Enabled:                rule.Enabled,
		ReactivationThreshold:  rule.Threshold,
		ResetStepsOnReactivate: rule.ResetOnReactivate,
	})
}

// ruleRequest replaces a rule. Omitted fields take the rule defaults.
type ruleRequest struct {
	Enabled                *bool `json:"enabled"`
	ReactivationThreshold  *int  `json:"reactivation_threshold"`
	ResetStepsOnReactivate bool  `json:"reset_steps_on_reactivate"`
}

func (h *handlers) putRule(c *gin.Context) {
	ct, err := chatTypeParam(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, err)
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("decode rule: %w", err))
		return
	}
	rule := trigger.DefaultRule(ct)
	if req.Enabled != nil {
		rule.IsEnabled = *req.Enabled
	}
	if req.ReactivationThreshold != nil {
		rule.ReactivationThreshold = *req.ReactivationThreshold
	}
	rule.ResetStepsOnReactivate = req.ResetStepsOnReactivate
	if rule.ReactivationThreshold < 0 {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("reactivation_threshold must be >= 0"))
		return
	}

	saved, err := h.engine.Rules().Save(c.Request.Context(), rule)
	if err != nil {
		h.failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ruleResponse{
		ChatType:               saved.ChatType,
		Enabled:                saved.IsEnabled,
		ReactivationThreshold:  saved.ReactivationThreshold,
		ResetStepsOnReactivate: saved.ResetStepsOnReactivate,
	})
}

type bucketResponse struct {
	ChatType     models.ChatType `json:"chat_type"`
	MessageKey   string          `json:"message_key"`
	Day          string          `json:"day"`
	Step         int             `json:"step"`
	Triggers     int64           `json:"triggers"`
	AdminReplies int64           `json:"admin_replies"`
}

type analyticsResponse struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Records []bucketResponse  `json:"records"`
	Summary analytics.Summary `json:"summary"`
}

// parseDay reads a YYYY-MM-DD query value as midnight in loc.
func parseDay(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(models.DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

func (h *handlers) report(c *gin.Context) {
	agg := h.engine.Analytics()
	loc := agg.Location()

	var ct models.ChatType
	if raw := c.Query("chat_type"); raw != "" {
		parsed, err := models.ParseChatType(raw)
		if err != nil {
			h.fail(c, http.StatusBadRequest, err)
			return
		}
		ct = parsed
	}

	to := agg.Now().In(loc)
	if raw := c.Query("to"); raw != "" {
		t, err := parseDay(raw, loc)
		if err != nil {
			h.fail(c, http.StatusBadRequest, err)
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -(defaultReportDays - 1))
	if raw := c.Query("from"); raw != "" {
		t, err := parseDay(raw, loc)
		if err != nil {
			h.fail(c, http.StatusBadRequest, err)
			return
		}
		from = t
	}
	if to.Before(from) {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("to is before from"))
		return
	}

	records, err := agg.Query(c.Request.Context(), ct, from, to)
	if err != nil {
		h.failErr(c, err)
		return
	}
	out := make([]bucketResponse, 0, len(records))
	for _, r := range records {
		out = append(out, bucketResponse{
			ChatType:     r.ChatType,
			MessageKey:   r.MessageKey,
			Day:          r.Day,
			Step:         r.StepNumber,
			Triggers:     r.TriggerCount,
			AdminReplies: r.AdminReplyCount,
		})
	}
	fromDay, toDay := analytics.DayRange(from, to, loc)
	c.JSON(http.StatusOK, analyticsResponse{
		From:    fromDay,
		To:      toDay,
		Records: out,
		Summary: analytics.Summarize(records),
	})
}
