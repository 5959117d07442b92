// Package dto HTTP 响应结构
package dto

import (
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
)

// CodeOK 成功响应码
const CodeOK = "OK"

// Response 统一响应结构
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Pagination 分页信息
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// PagedData 分页数据
type PagedData struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Code:    CodeOK,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 从错误创建响应. 非业务错误统一为内部错误, 不暴露细节
func NewErrorResponse(err error) *Response {
	if bizerr.GetCode(err) == "UNKNOWN" {
		err = bizerr.ErrInternal
	}
	return &Response{
		Code:    bizerr.GetCode(err),
		Message: bizerr.GetMessage(err),
	}
}

// NewPagedResponse 创建分页响应
func NewPagedResponse(items interface{}, total int64, page, pageSize int) *Response {
	var totalPages int
	if pageSize > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}

	return &Response{
		Code:    CodeOK,
		Message: "success",
		Data: &PagedData{
			Items: items,
			Pagination: &Pagination{
				Total:      total,
				Page:       page,
				PageSize:   pageSize,
				TotalPages: totalPages,
			},
		},
	}
}
