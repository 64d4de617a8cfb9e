package customfields

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type nopAccessor struct{}

func (nopAccessor) Find(tx *gorm.DB, key string, value interface{}) (uint, error) { return 1, nil }
func (nopAccessor) FindOrCreate(tx *gorm.DB, key string, value interface{}) (uint, error) {
	return 1, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Descriptor{TypeTag: "widget"}))

	t.Run("duplicate tag fails", func(t *testing.T) {
		err := r.Register(&Descriptor{TypeTag: "widget"})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})

	t.Run("empty tag fails", func(t *testing.T) {
		err := r.Register(&Descriptor{})
		assert.Error(t, err)
	})

	t.Run("resolve unknown fails", func(t *testing.T) {
		_, err := r.Resolve("gadget")
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}

func TestRegistry_Check(t *testing.T) {
	t.Run("unregistered relation target", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Descriptor{
			TypeTag: "widget",
			NativeFields: []NativeField{
				{Name: "owner", RelatedTo: "gadget"},
			},
		}))
		err := r.Check()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gadget")
	})

	t.Run("natural key without accessor", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Descriptor{
			TypeTag: "widget",
			NativeFields: []NativeField{
				{Name: "owner", RelatedTo: "gadget", NaturalKey: "title"},
			},
		}))
		require.NoError(t, r.Register(&Descriptor{TypeTag: "gadget"}))
		err := r.Check()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "accessor")
	})

	t.Run("generic relations are exempt", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Descriptor{
			TypeTag: "widget",
			NativeFields: []NativeField{
				{Name: "attachments", RelatedTo: "missing", Generic: true},
			},
		}))
		assert.NoError(t, r.Check())
	})

	t.Run("valid configuration passes", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(&Descriptor{
			TypeTag: "widget",
			NativeFields: []NativeField{
				{Name: "owner", RelatedTo: "gadget", NaturalKey: "title"},
			},
		}))
		require.NoError(t, r.Register(&Descriptor{TypeTag: "gadget", Accessor: nopAccessor{}}))
		assert.NoError(t, r.Check())
		assert.Equal(t, []string{"gadget", "widget"}, r.TypeTags())
	})
}

func TestDescriptor_Field(t *testing.T) {
	d := &Descriptor{
		TypeTag:     "widget",
		JoinTable:   "widget_custom_values",
		OwnerColumn: "widget_id",
		NativeFields: []NativeField{
			{Name: "title", Required: true},
		},
	}
	assert.True(t, d.HasCustomValues())
	assert.NotNil(t, d.Field("title"))
	assert.Nil(t, d.Field("missing"))
	assert.False(t, (&Descriptor{TypeTag: "gadget"}).HasCustomValues())
}
