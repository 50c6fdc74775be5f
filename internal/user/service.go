// Package user はユーザーディレクトリのドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hitoshi/pairchat/internal/model"
	"github.com/hitoshi/pairchat/internal/repository"
	"github.com/hitoshi/pairchat/internal/security"
)

// Service はユーザーディレクトリのサービス層。
// 連絡先一覧の取得とユーザー登録を提供する。
type Service struct {
	userRepo repository.UserRepository
	names    security.TextSanitizer
	now      func() time.Time
	newID    func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{
		userRepo: userRepo,
		names:    security.NewTextSanitizer(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// ListContacts は自分以外の全ユーザーを名前順で返す。
func (s *Service) ListContacts(ctx context.Context, selfID string) ([]model.Contact, error) {
	users, err := s.userRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}

	others := lo.Filter(users, func(u *model.User, _ int) bool {
		return u.ID != selfID
	})
	return lo.Map(others, func(u *model.User, _ int) model.Contact {
		return model.Contact{ID: u.ID, Name: u.Name}
	}), nil
}

// Get は指定IDのユーザーを返す。存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// Register は新しいユーザーを登録し、採番したIDを含むユーザーを返す。
// 表示名は連絡先一覧としてそのまま表示されるため、マークアップを含む名前は拒否する。
func (s *Service) Register(ctx context.Context, name, email string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return nil, model.NewInvalidIdentityError("name and email are required")
	}
	if s.names.Sanitize(name) != name {
		return nil, model.NewInvalidIdentityError("name must not contain markup")
	}

	u := &model.User{
		ID:        s.newID(),
		Name:      name,
		Email:     email,
		CreatedAt: s.now().UTC(),
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを登録しました",
		slog.String("user_id", u.ID),
	)
	return u, nil
}
