// Package vector owns the Weaviate schema of the tone index.
package vector

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName holds one object per ingested sent message.
const ClassName = "SentMessage"

// SchemaClient is the slice of the Weaviate schema API EnsureSchema needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func exactText(name string) *models.Property {
	return &models.Property{
		Name:         name,
		DataType:     []string{"text"},
		Tokenization: models.PropertyTokenizationField,
	}
}

// Properties is the current property set of ClassName. Ids are stored with
// field tokenization so equality filters match the whole value.
func Properties() []*models.Property {
	return []*models.Property{
		exactText("accountId"),
		exactText("messageId"),
		exactText("conversationId"),
		{Name: "subject", DataType: []string{"text"}},
		{Name: "body", DataType: []string{"text"}},
		{Name: "sentAt", DataType: []string{"date"}},
	}
}

// EnsureSchema creates ClassName, or adds the properties an older
// deployment is missing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("check class %s: %w", ClassName, err)
	}

	properties := Properties()
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ClassName,
			Description: "A sent email message embedded for tone matching",
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		have[p.Name] = true
	}
	for _, p := range properties {
		if have[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, ClassName, p); err != nil {
			return fmt.Errorf("add property %s: %w", p.Name, err)
		}
	}
	return nil
}

// Schema adapts the Weaviate client to SchemaClient.
type Schema struct {
	client *weaviate.Client
}

func NewSchema(client *weaviate.Client) *Schema {
	return &Schema{client: client}
}

func (s *Schema) ClassExists(ctx context.Context, className string) (bool, error) {
	return s.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (s *Schema) CreateClass(ctx context.Context, class *models.Class) error {
	return s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (s *Schema) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return s.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (s *Schema) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return s.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}
