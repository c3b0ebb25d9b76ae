package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/recipebox/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（1MiB）。
const maxRequestBodySize = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// エラーメッセージにはGoのフィールド名ではなくJSONのキー名を使う
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate はリクエストボディをdstにデコードし、validateタグで検証する。
// 失敗した場合はレスポンスを書き込みfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}

	if err := validate.Struct(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, toValidationError(err))
		return false
	}
	return true
}

// toValidationError はvalidatorのエラーをVALIDATION_ERRORに変換する。
// 最初に失敗したフィールドのみをメッセージに含める。
func toValidationError(err error) *model.APIError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return model.NewValidationError("リクエストの内容が正しくありません。")
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return model.NewValidationError(fmt.Sprintf("%s は必須です。", fe.Field()))
	case "min", "max", "gte", "lte":
		return model.NewValidationError(fmt.Sprintf("%s の値が範囲外です（%s=%s）。", fe.Field(), fe.Tag(), fe.Param()))
	default:
		return model.NewValidationError(fmt.Sprintf("%s の形式が正しくありません。", fe.Field()))
	}
}
