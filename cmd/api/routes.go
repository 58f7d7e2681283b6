package main

import (
	"net/http"

	"github.com/opzstudio/backend/internal/auth"
	"github.com/opzstudio/backend/internal/jobs"
	"github.com/opzstudio/backend/internal/middleware"
	"github.com/opzstudio/backend/internal/payments"
)

// RegisterV1Routes adds the /v1/ endpoints to the given mux. User routes sit
// behind UserAuth; the worker callback requires the worker's service token;
// the settlement webhook authenticates with its body signature instead.
func RegisterV1Routes(
	mux *http.ServeMux,
	authSvc auth.Service,
	workerToken string,
	jobsHandler *jobs.Handler,
	paymentsHandler *payments.Handler,
) {
	userAuth := middleware.UserAuth(authSvc)
	workerAuth := middleware.ServiceAuth(workerToken)

	// Generation jobs
	mux.Handle("POST /v1/jobs", userAuth(http.HandlerFunc(jobsHandler.CreateJob)))
	mux.Handle("GET /v1/jobs", userAuth(http.HandlerFunc(jobsHandler.ListJobs)))
	mux.Handle("GET /v1/jobs/{id}", userAuth(http.HandlerFunc(jobsHandler.GetJob)))

	// Worker progress callback. Only the worker's service token may finalize
	// jobs; a user bearer token must not reach this handler.
	mux.Handle("POST /v1/jobs/{id}/result", workerAuth(http.HandlerFunc(jobsHandler.SubmitResult)))

	// Credits and payments
	mux.Handle("GET /v1/me/credits", userAuth(http.HandlerFunc(paymentsHandler.GetCredits)))
	mux.HandleFunc("GET /v1/payments/plans", paymentsHandler.ListPlans)
	mux.Handle("POST /v1/payments/orders", userAuth(http.HandlerFunc(paymentsHandler.CreateOrder)))
	mux.Handle("GET /v1/payments/orders/{id}/wait", userAuth(http.HandlerFunc(paymentsHandler.WaitOrder)))
	mux.Handle("POST /v1/payments/vouchers/validate", userAuth(http.HandlerFunc(paymentsHandler.ValidateVoucher)))
	mux.Handle("POST /v1/payments/giftcodes/redeem", userAuth(http.HandlerFunc(paymentsHandler.RedeemGiftcode)))

	// External settlement notifier
	mux.HandleFunc("POST /v1/webhooks/settlement", paymentsHandler.SettlementWebhook)
}
