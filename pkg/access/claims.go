// claims.go — построение политики доступа из claims JWT.
// Проверка подписи токена выполняется вызывающим слоем (контроллеры);
// здесь только отображение уже проверенных claims на политику.
package access

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSuperAdmin — scope, дающий полный доступ ко всем записям.
const ScopeSuperAdmin = "catalog:superadmin"

// Claims — claims токена пользователя каталога.
// Поддерживает два формата scopes:
//   - стандартный: "scope" (строка через пробел)
//   - кастомный: "scopes" (массив строк)
type Claims struct {
	jwt.RegisteredClaims
	// Publisher — организация, от имени которой действует пользователь
	Publisher string `json:"publisher,omitempty"`
	// ScopeString — стандартный OAuth2 claim
	ScopeString string `json:"scope,omitempty"`
	// ScopeArray — альтернативный формат
	ScopeArray []string `json:"scopes,omitempty"`
}

// Scopes возвращает объединённый список scope'ов из обоих форматов.
func (c *Claims) Scopes() []string {
	var result []string
	if c.ScopeString != "" {
		result = append(result, strings.Fields(c.ScopeString)...)
	}
	result = append(result, c.ScopeArray...)
	return result
}

// HasScope проверяет наличие scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes() {
		if s == scope {
			return true
		}
	}
	return false
}

// FromClaims возвращает политику для пользователя с данными claims:
//   - superadmin → AllowAll
//   - задан publisher → Publisher
//   - иначе → PublicOnly
func FromClaims(c *Claims) Policy {
	switch {
	case c == nil:
		return PublicOnly{}
	case c.HasScope(ScopeSuperAdmin):
		return AllowAll{}
	case c.Publisher != "":
		return Publisher{Name: c.Publisher}
	default:
		return PublicOnly{}
	}
}

// ParseUnverifiedClaims разбирает claims без проверки подписи.
// Только для внутренних вызовов, где токен уже проверен выше по стеку.
func ParseUnverifiedClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("разбор claims токена: %w", err)
	}
	return claims, nil
}
