package tenants

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/vmp/pkg/api"
)

func TestCreateTenant_RequiresName(t *testing.T) {
	store := NewStore(nil)
	_, err := store.CreateTenant(context.Background(), "   ")
	assert.ErrorIs(t, err, api.ErrValidation)
}

func TestCreateCompany_Validation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	_, err := store.CreateCompany(ctx, "tenant-1", "", "US")
	assert.ErrorIs(t, err, api.ErrValidation)

	_, err = store.CreateCompany(ctx, "tenant-1", "Acme GmbH", "DEU")
	assert.ErrorIs(t, err, api.ErrValidation)
}

func TestCreateCompany_UppercasesCountry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO companies")).
		WithArgs(sqlmock.AnyArg(), "tenant-1", "Acme GmbH", "DE", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db)
	c, err := store.CreateCompany(context.Background(), "tenant-1", "Acme GmbH", "de")
	require.NoError(t, err)
	assert.Equal(t, "DE", c.CountryCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCompany_DuplicateName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO companies")).
		WillReturnError(&pq.Error{Code: "23505"})

	store := NewStore(db)
	_, err = store.CreateCompany(context.Background(), "tenant-1", "Acme GmbH", "DE")
	assert.ErrorIs(t, err, api.ErrConflict)
}

func TestGetCompany_ScopedToTenant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, name, country_code, created_at")).
		WithArgs("company-1", "other-tenant").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "country_code", "created_at"}))

	store := NewStore(db)
	_, err = store.GetCompany(context.Background(), "other-tenant", "company-1")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestListCompanies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, name, country_code, created_at")).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "country_code", "created_at"}).
			AddRow("c1", "tenant-1", "Acme GmbH", "DE", now).
			AddRow("c2", "tenant-1", "Acme Inc", "US", now))

	store := NewStore(db)
	companies, err := store.ListCompanies(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.Len(t, companies, 2)
	assert.Equal(t, "Acme GmbH", companies[0].Name)
}
