package property

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/pagination"
	"github.com/mbd888/estatepay/internal/validation"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewMemoryStore(), logging.Discard())
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		at = at.Add(time.Second)
		return at
	}
	return svc
}

func TestCreateProject(t *testing.T) {
	svc := newTestService(t)

	p, err := svc.CreateProject(t.Context(), CreateProjectRequest{Name: "  Riverside Gardens ", Location: "Kiambu"})
	require.NoError(t, err)
	assert.Contains(t, p.ID, "prj_")
	assert.Equal(t, "Riverside Gardens", p.Name)

	got, err := svc.GetProject(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)

	ok, err := svc.ProjectExists(t.Context(), p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ProjectExists(t.Context(), "prj_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.CreateProject(t.Context(), CreateProjectRequest{Name: " "})
	var verrs validation.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "name", verrs[0].Field)
}

func TestCreateBuyer_NormalizesPhone(t *testing.T) {
	svc := newTestService(t)

	b, err := svc.CreateBuyer(t.Context(), CreateBuyerRequest{
		Name:  "Wanjiku Kamau",
		Email: " Wanjiku@Example.co.ke ",
		Phone: "+254 712 345 678",
	})
	require.NoError(t, err)
	assert.Contains(t, b.ID, "buy_")
	assert.Equal(t, "254712345678", b.Phone)
	assert.Equal(t, "wanjiku@example.co.ke", b.Email)
}

func TestCreateBuyer_Validation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name  string
		req   CreateBuyerRequest
		field string
	}{
		{"missing name", CreateBuyerRequest{Phone: "0712345678"}, "name"},
		{"bad phone", CreateBuyerRequest{Name: "A", Phone: "0800123"}, "phone"},
		{"bad email", CreateBuyerRequest{Name: "A", Email: "nope"}, "email"},
		{"no contact", CreateBuyerRequest{Name: "A"}, "phone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBuyer(t.Context(), tt.req)
			var verrs validation.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestCreateBuyer_Duplicates(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateBuyer(t.Context(), CreateBuyerRequest{
		Name: "Otieno", Phone: "0722000111", Email: "otieno@example.com", NationalID: "29876543",
	})
	require.NoError(t, err)

	for _, req := range []CreateBuyerRequest{
		{Name: "Same phone", Phone: "254722000111"},
		{Name: "Same email", Email: "OTIENO@example.com"},
		{Name: "Same id", Phone: "0733000222", NationalID: "29876543"},
	} {
		_, err := svc.CreateBuyer(t.Context(), req)
		assert.ErrorIs(t, err, ErrDuplicateBuyer, req.Name)
	}
}

func TestListBuyers_Pages(t *testing.T) {
	svc := newTestService(t)
	var ids []string
	for _, phone := range []string{"0711000001", "0711000002", "0711000003", "0711000004", "0711000005"} {
		b, err := svc.CreateBuyer(t.Context(), CreateBuyerRequest{Name: "Buyer " + phone, Phone: phone})
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	page, next, err := svc.ListBuyers(t.Context(), "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID, "newest first")
	assert.Equal(t, ids[3], page[1].ID)
	require.NotEmpty(t, next)

	page, next, err = svc.ListBuyers(t.Context(), next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	page, next, err = svc.ListBuyers(t.Context(), next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Empty(t, next)

	_, _, err = svc.ListBuyers(t.Context(), "%%%", 2)
	assert.ErrorIs(t, err, pagination.ErrInvalidCursor)
}

func TestListProjects_Empty(t *testing.T) {
	svc := newTestService(t)

	page, next, err := svc.ListProjects(t.Context(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestGetBuyer_NotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetBuyer(t.Context(), "buy_missing")
	assert.ErrorIs(t, err, ErrBuyerNotFound)
}
