// view.go — читающее окно каталога для инвентаризации и статуса.
// Строки дисков идут через LRU-кэш с TTL: снимок инвентаризации
// строится дважды за цикл (запрос /status читает уже опубликованный
// снимок), и без кэша каждый слот превращался бы в отдельный поход
// в каталог.
package catalog

import (
	"context"

	"github.com/WIPACrepo/datamove/internal/domain/model"
)

// CachedView — реализация inventory.CatalogView поверх кэша дисков.
type CachedView struct {
	c *Catalog
}

// CachedView возвращает читающее окно каталога.
func (c *Catalog) CachedView() *CachedView {
	return &CachedView{c: c}
}

// FindDiskByUUID возвращает диск по UUID через кэш.
func (v *CachedView) FindDiskByUUID(ctx context.Context, uuid string) (*model.JadeDisk, error) {
	return v.c.FindDiskByUUIDCached(ctx, uuid)
}

// RecentDiskForSerial возвращает самый свежий диск с данным серийным
// номером и возраст его последнего использования.
func (v *CachedView) RecentDiskForSerial(ctx context.Context, serial string) (*model.JadeDisk, int64, error) {
	return v.c.RecentDiskForSerial(ctx, serial)
}
