// Пакет service — бизнес-логика Upload Guard.
// uploader.go — сведения о загрузившем пользователе.
package service

import (
	"context"

	"github.com/bigkaa/goartstore/upload-guard/internal/api/middleware"
	"github.com/bigkaa/goartstore/upload-guard/internal/domain/model"
)

// AnonymousUploader — идентификатор загрузки без аутентификации.
const AnonymousUploader = "anonymous"

// UploaderDirectory — источник сведений о пользователе по идентификатору.
type UploaderDirectory interface {
	UploaderContext(ctx context.Context, id string) (model.UploaderContext, error)
}

// ClaimsDirectory берёт сведения из claims JWT, помещённых в контекст
// middleware аутентификации.
type ClaimsDirectory struct{}

// UploaderContext возвращает пользователя; отображаемое имя — preferred_username,
// при его отсутствии — идентификатор.
func (ClaimsDirectory) UploaderContext(ctx context.Context, id string) (model.UploaderContext, error) {
	if id == "" {
		return model.UploaderContext{ID: AnonymousUploader, DisplayName: AnonymousUploader}, nil
	}
	name := middleware.UsernameFromContext(ctx)
	if name == "" {
		name = id
	}
	return model.UploaderContext{ID: id, DisplayName: name}, nil
}
