package server

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Post("/start-conversion", s.handleStartConversion)
		r.Post("/chat", s.handleChat)
		r.Post("/user-input", s.handleUserInput)
		r.Post("/retry-approval", s.handleRetryApproval)
		r.Post("/improvement-decision", s.handleImprovementDecision)
		r.Get("/status", s.handleStatus)
		r.Get("/validation", s.handleValidation)
		r.Get("/download/nwb", s.handleDownloadNWB)
		r.Get("/download/report", s.handleDownloadReport)
		r.Post("/reset", s.handleReset)
		r.Get("/config", s.handleConfig)
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/events/history", s.handleEventsHistory)
	})

	s.router.Get("/events", s.handleEvents)
}
