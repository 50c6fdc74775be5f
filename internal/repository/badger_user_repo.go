package repository

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hitoshi/pairchat/internal/model"
)

var userPrefix = []byte("user:")

// ErrUserAlreadyExists は同一IDのユーザーが既に存在する場合のエラー。
var ErrUserAlreadyExists = errors.New("user already exists")

// BadgerUserRepo はBadgerDBを使用したユーザーリポジトリ。
type BadgerUserRepo struct {
	db *badger.DB
}

// NewBadgerUserRepo はBadgerUserRepoを生成する。
func NewBadgerUserRepo(db *badger.DB) *BadgerUserRepo {
	return &BadgerUserRepo{db: db}
}

type diskUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
}

func (d diskUser) toModel() *model.User {
	return &model.User{
		ID:        d.ID,
		Name:      d.Name,
		Email:     d.Email,
		CreatedAt: time.Unix(d.CreatedAt, 0).UTC(),
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *BadgerUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var du diskUser
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(slices.Clone(userPrefix), id...))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &du)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return du.toModel(), nil
}

// List は全ユーザーを名前順で返す。
func (r *BadgerUserRepo) List(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = userPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(userPrefix); it.ValidForPrefix(userPrefix); it.Next() {
			var du diskUser
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &du)
			}); err != nil {
				return err
			}
			users = append(users, du.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	slices.SortFunc(users, func(a, b *model.User) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return users, nil
}

// Create はユーザーを作成する。同一IDが存在する場合はErrUserAlreadyExistsを返す。
func (r *BadgerUserRepo) Create(ctx context.Context, user *model.User) error {
	data, err := json.Marshal(diskUser{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		CreatedAt: user.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	key := append(slices.Clone(userPrefix), user.ID...)
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return ErrUserAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*BadgerUserRepo)(nil)
