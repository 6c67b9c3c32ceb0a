package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"courselit/automation"
	"courselit/models"
	"courselit/store"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testApp wires the controllers behind a stub auth middleware so handler
// behavior can be exercised without tokens.
func testApp(mem *store.Memory, resolver automation.AudienceResolver) *fiber.App {
	logger := testLogger()
	if resolver == nil {
		resolver = automation.ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
			return nil, nil
		})
	}
	pub := automation.NewPublisher(mem, resolver, logger)
	sc := NewSequenceController(mem, pub, logger)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("domain", "school")
		return c.Next()
	})
	app.Post("/api/sequences", sc.CreateSequence)
	app.Post("/api/broadcasts", sc.CreateBroadcast)
	app.Get("/api/sequences/:id", sc.GetSequence)
	app.Put("/api/sequences/:id/status", sc.UpdateStatus)
	app.Delete("/api/sequences/:id", sc.DeleteSequence)
	app.Post("/api/sequences/:id/emails", sc.AddEmail)
	app.Put("/api/sequences/:id/emails/:emailId", sc.UpdateEmail)
	app.Post("/api/sequences/:id/emails/:emailId/publish", sc.TogglePublish)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	var payload map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload))
	}
	return resp, payload
}

func TestCreateSequenceBindsTriggerRule(t *testing.T) {
	mem := store.NewMemory()
	app := testApp(mem, nil)

	resp, payload := doJSON(t, app, fiber.MethodPost, "/api/sequences", fiber.Map{
		"title":              "welcome drip",
		"trigger_event":      "purchased",
		"trigger_event_data": "course-1",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	data := payload["data"].(map[string]interface{})
	seqID := data["sequence_id"].(string)
	require.NotEmpty(t, seqID)
	require.Equal(t, models.SequenceStatusDraft, data["status"])

	rules, err := mem.RulesForEvent(context.Background(), "school", "purchased", "course-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, seqID, rules[0].SequenceID)
}

func TestCreateSequenceValidation(t *testing.T) {
	app := testApp(store.NewMemory(), nil)

	resp, _ := doJSON(t, app, fiber.MethodPost, "/api/sequences", fiber.Map{
		"title": "missing trigger",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastLifecycle(t *testing.T) {
	mem := store.NewMemory()
	mem.PutUser(&models.User{Domain: "school", UserID: "u1", Email: "u1@example.com", SubscribedToUpdates: true})
	resolver := automation.ResolverFunc(func(ctx context.Context, domain, filter string) ([]string, error) {
		return []string{"u1"}, nil
	})
	app := testApp(mem, resolver)

	resp, payload := doJSON(t, app, fiber.MethodPost, "/api/broadcasts", fiber.Map{
		"title":   "spring sale",
		"subject": "Sale!",
		"content": "<p>50% off</p>",
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	data := payload["data"].(map[string]interface{})
	seqID := data["sequence_id"].(string)
	emails := data["emails"].([]interface{})
	require.Len(t, emails, 1)
	emailID := emails[0].(map[string]interface{})["email_id"].(string)

	// A broadcast holds exactly one email.
	resp, _ = doJSON(t, app, fiber.MethodPost, "/api/sequences/"+seqID+"/emails", fiber.Map{
		"subject": "extra",
		"content": "<p>extra</p>",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// Publishing fans out immediately.
	resp, _ = doJSON(t, app, fiber.MethodPost, "/api/sequences/"+seqID+"/emails/"+emailID+"/publish", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	n, err := mem.CountEnrollments(context.Background(), "school", seqID)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// A sent broadcast is immutable.
	resp, _ = doJSON(t, app, fiber.MethodPut, "/api/sequences/"+seqID+"/emails/"+emailID, fiber.Map{
		"subject": "changed",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTogglePublishPastSendTime(t *testing.T) {
	mem := store.NewMemory()
	app := testApp(mem, nil)

	resp, payload := doJSON(t, app, fiber.MethodPost, "/api/broadcasts", fiber.Map{
		"title":           "too late",
		"subject":         "Sale!",
		"content":         "<p>50% off</p>",
		"delay_in_millis": 1000,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	data := payload["data"].(map[string]interface{})
	seqID := data["sequence_id"].(string)
	emailID := data["emails"].([]interface{})[0].(map[string]interface{})["email_id"].(string)

	resp, payload = doJSON(t, app, fiber.MethodPost, "/api/sequences/"+seqID+"/emails/"+emailID+"/publish", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "past_date", payload["error"])
}

func TestTogglePublishMissingSequence(t *testing.T) {
	app := testApp(store.NewMemory(), nil)

	resp, _ := doJSON(t, app, fiber.MethodPost, "/api/sequences/nope/emails/e1/publish", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestUpdateStatusRejectsUnknownValue(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateSequence(context.Background(), &models.Sequence{
		Domain: "school", SequenceID: "s1",
		Type: models.SequenceTypeSequence, Title: "t",
		Status: models.SequenceStatusDraft,
	}))
	app := testApp(mem, nil)

	resp, _ := doJSON(t, app, fiber.MethodPut, "/api/sequences/s1/status", fiber.Map{
		"status": "paused",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, fiber.MethodPut, "/api/sequences/s1/status", fiber.Map{
		"status": "active",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	seq, err := mem.GetSequence(context.Background(), "school", "s1")
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusActive, seq.Status)
}

func TestDeleteSequenceCancelsEverything(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateSequence(ctx, &models.Sequence{
		Domain: "school", SequenceID: "s1",
		Type: models.SequenceTypeSequence, Title: "t",
		Status: models.SequenceStatusActive,
	}))
	require.NoError(t, mem.CreateRule(ctx, &models.Rule{
		Domain: "school", Type: models.RuleTypeEvent,
		Event: "purchased", SequenceID: "s1",
	}))
	_, err := mem.CreateEnrollment(ctx, &models.OngoingSequence{
		Domain: "school", SequenceID: "s1", UserID: "u1",
		NextEmailID: "e1", Status: models.EnrollmentStatusActive,
	})
	require.NoError(t, err)

	app := testApp(mem, nil)
	resp, _ := doJSON(t, app, fiber.MethodDelete, "/api/sequences/s1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	seq, err := mem.GetSequence(ctx, "school", "s1")
	require.NoError(t, err)
	require.Nil(t, seq)

	rules, err := mem.RulesForEvent(ctx, "school", "purchased", "")
	require.NoError(t, err)
	require.Empty(t, rules)

	n, err := mem.CountEnrollments(ctx, "school", "s1")
	require.NoError(t, err)
	require.Zero(t, n)
}
