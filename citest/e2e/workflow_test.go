package e2e_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dandi-tools/nwbflow/citest/testutil"
	"github.com/dandi-tools/nwbflow/internal/capability"
	"github.com/dandi-tools/nwbflow/pkg/types"
)

// spikeGLXFixture returns a primary .ap.bin recording plus its .ap.meta
// companion, the minimal pair MockConverter's DetectFormat recognizes
// as "spikeglx" without any language-model involvement.
func spikeGLXFixture() []testutil.UploadFile {
	return []testutil.UploadFile{
		{Name: "recording.ap.bin", Data: []byte("binary spike band data")},
		{Name: "recording.ap.meta", Data: []byte("imSampRate=30000\n")},
	}
}

var _ = Describe("Happy path conversion", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer()
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("converts and validates a recognized recording with no metadata gaps", func() {
		upload, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		Expect(upload.StatusCode).To(Equal(202))
		Expect(upload.Body["status"]).To(Equal("UPLOADED"))

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.StatusCode).To(Equal(200))
		Expect(start.Body["status"]).To(Equal("finalized"))
		Expect(start.Body["payload"]).To(Equal("PASSED"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.StatusCode).To(Equal(200))
		Expect(status.Body["status"]).To(Equal("COMPLETED"))
		Expect(status.Body["validationOutcome"]).To(Equal("PASSED"))
		Expect(status.Body["correctionAttempt"]).To(BeNumerically("==", 0))

		code, data, err := client.GetRaw("/api/download/nwb")
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(200))
		Expect(data).NotTo(BeEmpty())
	})

	It("rejects a second upload while a workflow is already consuming the input", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())

		// The mock Converter/Validator run synchronously within a single
		// request, so there is no window to observe CONVERTING from the
		// client side; force it directly to exercise the upload guard.
		err = server.Sessions.Transition(types.StatusAny, types.StatusConverting, nil)
		Expect(err).NotTo(HaveOccurred())

		reUpload, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		Expect(reUpload.StatusCode).To(Equal(409))
	})
})

var _ = Describe("Metadata collection", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer(
			testutil.WithRequiredMetadataFields("experimenter", "institution"),
			testutil.WithLanguageModelResponses(map[string]any{
				"chat_turn": map[string]any{
					"message":            "Thanks, that's everything I need.",
					"extracted_metadata": map[string]any{"experimenter": "Jane Doe", "institution": "Acme Neuroscience"},
					"ready_to_proceed":   true,
					"needs_more_info":    false,
					"declined_fields":    []string{},
				},
			}),
		)
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("asks for missing DANDI fields before converting, then proceeds once satisfied", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.StatusCode).To(Equal(200))
		Expect(start.Body["status"]).To(Equal("conversation_continues"))

		chat, err := client.Post("/api/chat", map[string]any{
			"content": "Experimenter is Jane Doe, institution is Acme Neuroscience.",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(chat.StatusCode).To(Equal(200))
		Expect(chat.Body["status"]).To(Equal("ready_to_convert"))
		Expect(chat.Body["ready_to_proceed"]).To(Equal(true))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("COMPLETED"))
		Expect(status.Body["validationOutcome"]).To(Equal("PASSED"))
	})

	It("accepts a structured metadata submission via user-input and resumes the conversion", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.Body["status"]).To(Equal("conversation_continues"))

		supplied, err := client.Post("/api/user-input", map[string]any{
			"fields": map[string]any{"experimenter": "Jane Doe", "institution": "Acme Neuroscience"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(supplied.StatusCode).To(Equal(200))
		Expect(supplied.Body["status"]).To(Equal("finalized"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("COMPLETED"))
	})

	It("finalizes FAILED_USER_ABANDONED when the user cancels the metadata request", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		cancelled, err := client.Post("/api/user-input", map[string]any{"cancel": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled.Body["status"]).To(Equal("finalized"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("FAILED"))
	})
})

var _ = Describe("Improvement decision after non-blocking issues", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer(
			testutil.WithValidatorResponses([][]capability.ValidationIssue{
				{{Severity: "BEST_PRACTICE", Message: "missing subject age", Location: "/general/subject"}},
			}),
		)
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("pauses for a user decision on non-blocking issues and finalizes on accept", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.Body["status"]).To(Equal("awaiting_improvement_decision"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("AWAITING_IMPROVEMENT_DECISION"))
		Expect(status.Body["validationOutcome"]).To(Equal("PASSED_WITH_ISSUES"))

		decision, err := client.Post("/api/improvement-decision", map[string]any{"action": "accept_as_is"})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Body["status"]).To(Equal("finalized"))

		final, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Body["status"]).To(Equal("COMPLETED"))
	})

	It("gates a declined accept-as-is on the no-progress policy, exactly like a retry", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		// Nothing changed since the attempt that produced the issue, so
		// improving is refused with a warning rather than started.
		blocked, err := client.Post("/api/improvement-decision", map[string]any{"action": "attempt_correction"})
		Expect(err).NotTo(HaveOccurred())
		Expect(blocked.StatusCode).To(Equal(200))
		Expect(blocked.Body["no_progress_warning"]).To(Equal(true))

		parked, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(parked.Body["status"]).To(Equal("AWAITING_IMPROVEMENT_DECISION"))
		Expect(parked.Body["correctionAttempt"]).To(BeNumerically("==", 0))

		decision, err := client.Post("/api/improvement-decision", map[string]any{"action": "attempt_correction", "retry_anyway": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.StatusCode).To(Equal(200))

		final, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Body["correctionAttempt"]).To(BeNumerically("==", 1))
	})
})

var _ = Describe("Correction loop on blocking validation failures", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer(
			testutil.WithValidatorResponses([][]capability.ValidationIssue{
				{{Severity: "ERROR", Message: "missing required electrode group", Location: "/general/extracellular_ephys"}},
				{},
			}),
		)
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("retries after a blocking failure and finalizes PASSED_IMPROVED once the correction succeeds", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.Body["status"]).To(Equal("awaiting_retry_approval"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["validationOutcome"]).To(Equal("FAILED"))

		retry, err := client.Post("/api/retry-approval", map[string]any{"approve": true, "retry_anyway": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(retry.StatusCode).To(Equal(200))
		Expect(retry.Body["status"]).To(Equal("finalized"))

		final, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Body["status"]).To(Equal("COMPLETED"))
		Expect(final.Body["validationOutcome"]).To(Equal("PASSED"))
		Expect(final.Body["correctionAttempt"]).To(BeNumerically("==", 1))
	})

	It("accepts corrected metadata while parked at retry approval, then retries to PASSED_IMPROVED", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		supplied, err := client.Post("/api/user-input", map[string]any{"fields": map[string]any{"sex": "M"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(supplied.StatusCode).To(Equal(200))
		Expect(supplied.Body["status"]).To(Equal("metadata_recorded"))

		// The session stays parked until the decision itself arrives.
		parked, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(parked.Body["status"]).To(Equal("AWAITING_RETRY_APPROVAL"))

		retry, err := client.Post("/api/retry-approval", map[string]any{"approve": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(retry.StatusCode).To(Equal(200))
		Expect(retry.Body["status"]).To(Equal("finalized"))
		Expect(retry.Body["no_progress_warning"]).To(Equal(false))

		final, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Body["status"]).To(Equal("COMPLETED"))
		Expect(final.Body["correctionAttempt"]).To(BeNumerically("==", 1))
	})

	It("surfaces a no-progress warning without finalizing when nothing changed since the last attempt", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		retry, err := client.Post("/api/retry-approval", map[string]any{"approve": true})
		Expect(err).NotTo(HaveOccurred())
		Expect(retry.StatusCode).To(Equal(200))
		Expect(retry.Body["status"]).To(Equal("conversation_continues"))
		Expect(retry.Body["no_progress_warning"]).To(Equal(true))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("AWAITING_RETRY_APPROVAL"))
	})

	It("finalizes FAILED_USER_DECLINED when the user declines to retry", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		decline, err := client.Post("/api/retry-approval", map[string]any{"approve": false})
		Expect(err).NotTo(HaveOccurred())
		Expect(decline.Body["status"]).To(Equal("finalized"))

		final, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(final.Body["status"]).To(Equal("FAILED"))
	})
})

var _ = Describe("Format disambiguation", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer(testutil.WithLanguageModelResponses(map[string]any{
			"detect_format": map[string]any{
				"format":       "unknown",
				"confidence":   40,
				"indicators":   []string{},
				"alternatives": []string{"spikeglx", "openephys"},
				"ambiguous":    true,
			},
		}))
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("pauses for user input when neither the converter nor the language model can identify the format", func() {
		_, err := client.UploadFiles(testutil.UploadFile{Name: "recording.dat", Data: []byte("unlabeled binary stream")})
		Expect(err).NotTo(HaveOccurred())

		start, err := client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(start.Body["status"]).To(Equal("needs_format_selection"))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("AWAITING_USER_INPUT"))
	})
})

var _ = Describe("Configuration and capability introspection", func() {
	var server *testutil.TestServer
	var client *testutil.TestClient

	BeforeEach(func() {
		var err error
		server, err = testutil.NewTestServer(testutil.WithRequiredMetadataFields("experimenter", "institution"))
		Expect(err).NotTo(HaveOccurred())
		client = server.Client()
	})

	AfterEach(func() {
		server.Stop()
	})

	It("reports the required metadata fields without leaking provider credentials", func() {
		cfg, err := client.Get("/api/config")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.StatusCode).To(Equal(200))
		Expect(cfg.Body["requiredMetadataFields"]).To(ConsistOf("experimenter", "institution"))
		Expect(cfg.Body).NotTo(HaveKey("provider"))
	})

	It("names the wired Converter/Validator/Reporter/LanguageModel implementations", func() {
		caps, err := client.Get("/api/capabilities")
		Expect(err).NotTo(HaveOccurred())
		Expect(caps.StatusCode).To(Equal(200))
		Expect(caps.Body["converter"]).To(Equal("mock"))
		Expect(caps.Body["validator"]).To(Equal("mock"))
		Expect(caps.Body["reporter"]).To(Equal("mock"))
		Expect(caps.Body["languageModel"]).To(Equal("mock"))
	})

	It("replays published events for a client reconnecting after a drop", func() {
		_, err := client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		history, err := client.Get("/api/events/history")
		Expect(err).NotTo(HaveOccurred())
		Expect(history.StatusCode).To(Equal(200))
		events, ok := history.Body["events"].([]any)
		Expect(ok).To(BeTrue())
		Expect(len(events)).To(BeNumerically(">", 0))
	})
})

var _ = Describe("Session reset", func() {
	It("returns the workflow to IDLE with an empty session", func() {
		server, err := testutil.NewTestServer()
		Expect(err).NotTo(HaveOccurred())
		defer server.Stop()
		client := server.Client()

		_, err = client.UploadFiles(spikeGLXFixture()...)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Post("/api/start-conversion", nil)
		Expect(err).NotTo(HaveOccurred())

		reset, err := client.Post("/api/reset", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reset.StatusCode).To(Equal(200))
		Expect(reset.Body["success"]).To(Equal(true))

		status, err := client.Get("/api/status")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Body["status"]).To(Equal("IDLE"))
		Expect(status.Body["inputPath"]).To(Equal(""))
	})
})
