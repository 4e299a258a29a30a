package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles("mci_user")
	if err := RequireRole("mci_user", "facility_admin")(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles("facility_admin")
	err := RequireRole("mci_user")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	c := contextWithRoles()
	err := RequireRole("mci_user")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_SuperuserBypass(t *testing.T) {
	c := contextWithRoles(SuperuserRole)
	if err := RequireRole("facility_admin")(okHandler)(c); err != nil {
		t.Error("superuser should bypass role checks")
	}
}
