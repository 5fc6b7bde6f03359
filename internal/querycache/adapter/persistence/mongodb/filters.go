package mongodb

import (
	"time"

	"school-portal/internal/querycache/domain/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const idField = "_id"

// buildFilter translates normalized filters to a MongoDB filter. Several
// predicates are joined with $and so two operators on one field never collide.
func buildFilter(filters []model.Filter) bson.M {
	if len(filters) == 0 {
		return bson.M{}
	}
	if len(filters) == 1 {
		return singleFilter(filters[0])
	}
	and := make(bson.A, 0, len(filters))
	for _, f := range filters {
		and = append(and, singleFilter(f))
	}
	return bson.M{"$and": and}
}

func singleFilter(f model.Filter) bson.M {
	value := toBSONValue(f.Value)

	switch f.Operator {
	case model.OperatorEqual:
		return bson.M{f.Field: value}
	case model.OperatorNotEqual:
		// missing fields never match, as with every other operator
		return bson.M{f.Field: bson.M{"$exists": true, "$ne": value}}
	case model.OperatorLessThan:
		return bson.M{f.Field: bson.M{"$lt": value}}
	case model.OperatorLessThanOrEqual:
		return bson.M{f.Field: bson.M{"$lte": value}}
	case model.OperatorGreaterThan:
		return bson.M{f.Field: bson.M{"$gt": value}}
	case model.OperatorGreaterThanOrEqual:
		return bson.M{f.Field: bson.M{"$gte": value}}
	case model.OperatorIn:
		return bson.M{f.Field: bson.M{"$in": value}}
	case model.OperatorNotIn:
		return bson.M{f.Field: bson.M{"$exists": true, "$nin": value}}
	case model.OperatorArrayContains:
		return bson.M{f.Field: bson.M{"$elemMatch": bson.M{"$eq": value}}}
	case model.OperatorArrayContainsAny:
		return bson.M{f.Field: bson.M{"$elemMatch": bson.M{"$in": value}}}
	default:
		return bson.M{f.Field: value}
	}
}

// buildCursorFilter selects rows sorting strictly after cursor under
// (sortField asc, _id asc).
func buildCursorFilter(sortField string, cursor *model.Cursor) bson.M {
	if cursor == nil {
		return nil
	}
	if cursor.SortValue == nil {
		return bson.M{"$or": bson.A{
			bson.M{sortField: bson.M{"$ne": nil}},
			bson.M{sortField: nil, idField: bson.M{"$gt": cursor.DocumentID}},
		}}
	}
	value := toBSONValue(cursor.SortValue)
	return bson.M{"$or": bson.A{
		bson.M{sortField: bson.M{"$gt": value}},
		bson.M{sortField: value, idField: bson.M{"$gt": cursor.DocumentID}},
	}}
}

// mergeWithAnd joins two filters, skipping empty ones.
func mergeWithAnd(a, b bson.M) bson.M {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return bson.M{"$and": bson.A{a, b}}
}

func buildFindOptions(spec model.QuerySpec) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{
		{Key: spec.SortField(), Value: 1},
		{Key: idField, Value: 1},
	})
	if spec.Limit() > 0 {
		opts.SetLimit(int64(spec.Limit()))
	}
	return opts
}

// buildQuery returns the filter and options of spec.
func buildQuery(spec model.QuerySpec) (bson.M, *options.FindOptions) {
	filter := mergeWithAnd(buildFilter(spec.Filters()), buildCursorFilter(spec.SortField(), spec.StartAfter()))
	if filter == nil {
		filter = bson.M{}
	}
	return filter, buildFindOptions(spec)
}

// toBSONValue turns JSON-decoded values into the types stored in MongoDB.
// RFC 3339 strings stay strings; only time.Time values become dates.
func toBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	case []interface{}:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = toBSONValue(e)
		}
		return out
	case time.Time:
		return primitive.NewDateTimeFromTime(t)
	default:
		return v
	}
}

// fromBSON converts a decoded MongoDB document into a model.Document.
func fromBSON(raw bson.M) model.Document {
	doc := model.Document{Data: make(map[string]interface{}, len(raw))}
	for k, v := range raw {
		if k == idField {
			doc.ID = idString(v)
			continue
		}
		doc.Data[k] = fromBSONValue(v)
	}
	return doc
}

func fromBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = fromBSONValue(e)
		}
		return out
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = fromBSONValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	default:
		return v
	}
}

// toBSON converts a model.Document into the stored layout: _id plus top-level fields.
func toBSON(doc model.Document) bson.M {
	out := make(bson.M, len(doc.Data)+1)
	for k, v := range doc.Data {
		out[k] = toBSONValue(v)
	}
	out[idField] = doc.ID
	return out
}

func idString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case primitive.ObjectID:
		return t.Hex()
	default:
		return ""
	}
}
