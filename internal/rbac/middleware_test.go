package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"crm-voice/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, workspaceID, role string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: "u", WorkspaceID: workspaceID, Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireWorkspace(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "w", RoleSuperAdmin, RoleOwner); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_OperatorAllowedForVoice(t *testing.T) {
	if code := serve(t, "w", RoleOperator, VoiceRoles...); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_RoleNotInSet(t *testing.T) {
	if code := serve(t, "w", RoleOperator, RoleOwner, RoleSupervisor); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := serve(t, "w", "network_operator", "network_operator"); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_WorkspaceRequired(t *testing.T) {
	if code := serve(t, "", RoleOwner, RoleOwner); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
